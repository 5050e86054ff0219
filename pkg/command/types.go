// Package command dispatches build commands to agents and tracks their status.
//
// Each submitted command waits in its zone's FIFO queue until an idle agent
// is acquired, then moves through PENDING -> SENT -> RUNNING -> terminal.
// Status is monotonic: reports that would move a command backwards, or that
// arrive after it is terminal, are discarded.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/ccplane/pkg/agent"
)

// Status is a command's execution status.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
)

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if st.rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusTimeout
}

// rank orders statuses for the monotonicity check. All terminal statuses
// share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusRunning:
		return 2
	case StatusSuccess, StatusFailure, StatusTimeout:
		return 3
	default:
		return -1
	}
}

// Sentinel errors.
var (
	// ErrUnknownCommand indicates no command with the given id is tracked.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNotCancellable indicates the command is already terminal.
	ErrNotCancellable = errors.New("command is already terminal")

	// ErrInvalidStatus indicates an unparseable or disallowed status value.
	ErrInvalidStatus = errors.New("invalid command status")

	// ErrTimeout is the reason recorded on TIMEOUT commands.
	ErrTimeout = errors.New("agent did not report within the response timeout")

	// ErrCancelled is the reason recorded on commands cancelled before dispatch.
	ErrCancelled = errors.New("cancelled")

	// ErrStopped indicates the dispatcher is not running.
	ErrStopped = errors.New("dispatcher stopped")
)

// Payload is the executable instruction sent to an agent.
type Payload struct {
	// Type distinguishes payload kinds, e.g. "shell" or "plugin".
	Type string `json:"type,omitempty"`

	Script  string            `json:"script"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`

	// Timeout is the execution budget the agent should enforce. Zero means none.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Transition is one entry of a command's append-only history.
type Transition struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Command is a snapshot of a command record.
type Command struct {
	ID      string  `json:"id"`
	Zone    string  `json:"zone"`
	Payload Payload `json:"payload"`
	Status  Status  `json:"status"`

	// Agent is the assigned agent name, empty until dispatched.
	Agent string `json:"agent,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	LogRef   string `json:"log_ref,omitempty"`
	Reason   string `json:"reason,omitempty"`

	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	History   []Transition `json:"history"`
}

// AgentKey returns the assigned agent's key; ok is false before dispatch.
func (c Command) AgentKey() (agent.Key, bool) {
	if c.Agent == "" {
		return agent.Key{}, false
	}
	return agent.Key{Zone: c.Zone, Name: c.Agent}, true
}

func (c Command) clone() Command {
	out := c
	if c.Payload.Env != nil {
		out.Payload.Env = make(map[string]string, len(c.Payload.Env))
		for k, v := range c.Payload.Env {
			out.Payload.Env[k] = v
		}
	}
	if c.ExitCode != nil {
		code := *c.ExitCode
		out.ExitCode = &code
	}
	out.History = append([]Transition(nil), c.History...)
	return out
}

// Report is a status report from an agent.
type Report struct {
	CommandID string    `json:"command_id"`
	Status    Status    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	LogRef    string    `json:"log_ref,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Dispatch is the outbound message transmitted to an agent.
type Dispatch struct {
	CommandID string  `json:"command_id"`
	Zone      string  `json:"zone"`
	Agent     string  `json:"agent"`
	Payload   Payload `json:"payload"`
}

// Filter selects commands in List.
type Filter struct {
	Zone   string
	Status Status
}

func (f Filter) matches(c Command) bool {
	if f.Zone != "" && c.Zone != f.Zone {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
