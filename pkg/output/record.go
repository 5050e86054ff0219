// Package output provides JSONL output for CLI results.
//
// Output is structured as typed record envelopes carrying jobs, steps,
// commands, agents, zones and errors. Each line is a self-contained JSON
// object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/zone"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: ccplane.<type>.v<version>
const (
	TypeJob     = "ccplane.job.v1"
	TypeStep    = "ccplane.step.v1"
	TypeCommand = "ccplane.command.v1"
	TypeAgent   = "ccplane.agent.v1"
	TypeZone    = "ccplane.zone.v1"
	TypeError   = "ccplane.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "ccplane.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID correlates step records with their job. Empty for records
	// outside a job.
	JobID string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord summarises a job.
type JobRecord struct {
	ID         string    `json:"id"`
	Flow       string    `json:"flow"`
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome"`
	FailedStep string    `json:"failed_step,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	Steps      int       `json:"steps"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewJobRecord builds a JobRecord from a job snapshot.
func NewJobRecord(j job.Job) *JobRecord {
	return &JobRecord{
		ID:         j.ID,
		Flow:       j.Flow,
		Status:     string(j.Status),
		Outcome:    j.Outcome(),
		FailedStep: j.FailedStep,
		Warnings:   j.Warnings,
		Steps:      len(j.Steps),
		Reason:     j.Reason,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}

// StepRecord is one step of a job.
type StepRecord struct {
	Path          string   `json:"path"`
	Zone          string   `json:"zone"`
	Status        string   `json:"status"`
	CommandID     string   `json:"command_id,omitempty"`
	CommandStatus string   `json:"command_status,omitempty"`
	Attempts      int      `json:"attempts,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	LogRefs       []string `json:"log_refs,omitempty"`
	AllowFailure  bool     `json:"allow_failure,omitempty"`
	Reason        string   `json:"reason,omitempty"`

	// Duration is the step's wall time.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration,omitempty"`
}

// NewStepRecord builds a StepRecord from a step.
func NewStepRecord(st job.Step) *StepRecord {
	rec := &StepRecord{
		Path:          st.Path,
		Zone:          st.Zone,
		Status:        string(st.Status),
		CommandID:     st.CommandID,
		CommandStatus: string(st.CommandStatus),
		Attempts:      st.Attempts,
		ExitCode:      st.ExitCode,
		LogRefs:       st.LogRefs,
		AllowFailure:  st.AllowFailure,
		Reason:        st.Reason,
		Duration:      st.Duration,
	}
	if st.Duration > 0 {
		rec.DurationHuman = st.Duration.Round(time.Millisecond).String()
	}
	return rec
}

// CommandRecord is a command's current state.
type CommandRecord struct {
	ID        string    `json:"id"`
	Zone      string    `json:"zone"`
	Agent     string    `json:"agent,omitempty"`
	Status    string    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	LogRef    string    `json:"log_ref,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCommandRecord builds a CommandRecord from a command snapshot.
func NewCommandRecord(c command.Command) *CommandRecord {
	return &CommandRecord{
		ID:        c.ID,
		Zone:      c.Zone,
		Agent:     c.Agent,
		Status:    string(c.Status),
		ExitCode:  c.ExitCode,
		LogRef:    c.LogRef,
		Reason:    c.Reason,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// AgentRecord is an agent's registry state.
type AgentRecord struct {
	Zone       string    `json:"zone"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	CommandID  string    `json:"command_id,omitempty"`
	Present    bool      `json:"present"`
	LastReport time.Time `json:"last_report,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// NewAgentRecord builds an AgentRecord from an agent snapshot.
func NewAgentRecord(a agent.Agent) *AgentRecord {
	return &AgentRecord{
		Zone:       a.Key.Zone,
		Name:       a.Key.Name,
		Status:     string(a.Status),
		CommandID:  a.CommandID,
		Present:    a.Present,
		LastReport: a.LastReport,
		Reason:     a.Reason,
	}
}

// ZoneRecord is a zone's definition and pool state.
type ZoneRecord struct {
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	MinSize        int    `json:"min_size"`
	MaxSize        int    `json:"max_size,omitempty"`
	IdleSlack      int    `json:"idle_slack,omitempty"`
	Idle           int    `json:"idle"`
	Busy           int    `json:"busy"`
	Offline        int    `json:"offline"`
	Pending        int    `json:"pending"`
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// NewZoneRecord builds a ZoneRecord from a zone status.
func NewZoneRecord(s zone.Status) *ZoneRecord {
	return &ZoneRecord{
		Name:           s.Name,
		Provider:       s.Provider,
		MinSize:        s.MinSize,
		MaxSize:        s.MaxSize,
		IdleSlack:      s.IdleSlack,
		Idle:           s.Agents.Idle,
		Busy:           s.Agents.Busy,
		Offline:        s.Agents.Offline + s.Agents.Timeout,
		Pending:        s.Pending,
		Degraded:       s.Degraded,
		DegradedReason: s.DegradedReason,
	}
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting a listing, so partial
// results stay usable.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Ref names the job, command or zone the error relates to.
	Ref string `json:"ref,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeUnavailable = "UNAVAILABLE"
	ErrCodeInternal    = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
