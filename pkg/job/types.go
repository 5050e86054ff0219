// Package job runs definition trees as jobs, one command per step.
//
// A job's steps execute one at a time in depth-first pre-order. A failing
// step without AllowFailure fails the job and skips every step after it; a
// tolerated failure is recorded as a warning and the job continues.
package job

import (
	"errors"
	"time"

	"github.com/3leaps/ccplane/pkg/command"
)

// Status is a step or job status. Jobs use PENDING, RUNNING, SUCCESS and
// FAILURE only.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
	StatusSkipped Status = "SKIPPED"
)

// OutcomeSuccessWithWarnings is reported by Job.Outcome for successful jobs
// with tolerated step failures.
const OutcomeSuccessWithWarnings = "SUCCESS_WITH_WARNINGS"

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// Failed reports whether the status counts as a failure for aggregation.
func (s Status) Failed() bool {
	return s == StatusFailure || s == StatusTimeout
}

// Sentinel errors.
var (
	// ErrUnknownJob indicates no job with the given id exists.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobFinished indicates the job is already terminal.
	ErrJobFinished = errors.New("job already finished")

	// ErrNoZone indicates a step has no zone from its definition, the run
	// options or the orchestrator default.
	ErrNoZone = errors.New("no zone for step")

	// ErrStopped indicates the orchestrator has been stopped.
	ErrStopped = errors.New("orchestrator stopped")
)

// Step is the runtime state of one STEP node.
type Step struct {
	// Path is the slash-joined node names from the root, e.g. "flow/build/test".
	Path string `json:"path"`
	Name string `json:"name"`
	Zone string `json:"zone"`

	Payload      command.Payload `json:"payload"`
	AllowFailure bool            `json:"allow_failure,omitempty"`
	Retry        int             `json:"retry,omitempty"`

	Status Status `json:"status"`

	// CommandID is the current or last command for this step.
	CommandID string `json:"command_id,omitempty"`

	// CommandStatus is the last observed status of that command. It
	// differs from Status for skipped steps whose command still finished.
	CommandStatus command.Status `json:"command_status,omitempty"`

	Attempts int      `json:"attempts,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	LogRefs  []string `json:"log_refs,omitempty"`
	Reason   string   `json:"reason,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// Job is a snapshot of a job.
type Job struct {
	ID     string `json:"id"`
	Flow   string `json:"flow"`
	Status Status `json:"status"`
	Steps  []Step `json:"steps"`

	// Warnings lists the paths of tolerated failed steps.
	Warnings []string `json:"warnings,omitempty"`

	// FailedStep is the path of the step that failed the job.
	FailedStep string `json:"failed_step,omitempty"`

	Cancelled bool   `json:"cancelled,omitempty"`
	Reason    string `json:"reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has finished.
func (j Job) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailure
}

// Outcome is the operator-facing result: the job status, or
// SUCCESS_WITH_WARNINGS for successful jobs with tolerated failures.
func (j Job) Outcome() string {
	if j.Status == StatusSuccess && len(j.Warnings) > 0 {
		return OutcomeSuccessWithWarnings
	}
	return string(j.Status)
}

// Step returns the step at path.
func (j Job) Step(path string) (Step, bool) {
	for _, st := range j.Steps {
		if st.Path == path {
			return st, true
		}
	}
	return Step{}, false
}

func (j Job) clone() Job {
	out := j
	out.Steps = make([]Step, len(j.Steps))
	for i, st := range j.Steps {
		st.LogRefs = append([]string(nil), st.LogRefs...)
		if st.ExitCode != nil {
			code := *st.ExitCode
			st.ExitCode = &code
		}
		out.Steps[i] = st
	}
	out.Warnings = append([]string(nil), j.Warnings...)
	return out
}

// aggregate derives the job status from its steps.
func aggregate(steps []Step, cancelled bool) Status {
	started := false
	done := true
	for _, st := range steps {
		if st.Status.Failed() && !st.AllowFailure {
			return StatusFailure
		}
		if st.Status != StatusPending {
			started = true
		}
		if !st.Status.Terminal() {
			done = false
		}
	}
	switch {
	case done && cancelled:
		return StatusFailure
	case done:
		return StatusSuccess
	case started:
		return StatusRunning
	default:
		return StatusPending
	}
}

// Filter selects jobs in List.
type Filter struct {
	Status Status
	Flow   string
}

func (f Filter) matches(j Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Flow != "" && j.Flow != f.Flow {
		return false
	}
	return true
}
