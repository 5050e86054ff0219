// Package agent tracks build agents and their availability per zone.
//
// The Registry is the only writer of agent state. Each zone is owned by a
// single actor goroutine, so membership snapshots, status reports and
// selection for one zone are applied in order without a global lock.
package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Status is an agent's availability.
type Status string

const (
	// StatusIdle is present and ready for a command.
	StatusIdle Status = "IDLE"

	// StatusBusy holds a command.
	StatusBusy Status = "BUSY"

	// StatusOffline is absent, or suspected dead after an unanswered command.
	StatusOffline Status = "OFFLINE"

	// StatusTimeout is present but overdue on its liveness report.
	StatusTimeout Status = "TIMEOUT"
)

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusIdle:
		return StatusIdle, nil
	case StatusBusy:
		return StatusBusy, nil
	case StatusOffline:
		return StatusOffline, nil
	case StatusTimeout:
		return StatusTimeout, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Available reports whether the status can be selected for work.
func (s Status) Available() bool { return s == StatusIdle }

// Unreachable reports whether the agent should be treated as gone.
func (s Status) Unreachable() bool { return s == StatusOffline || s == StatusTimeout }

// Sentinel errors.
var (
	// ErrUnknownAgent indicates a report for an agent the registry has never seen.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoIdleAgent indicates no agent in the zone is available.
	ErrNoIdleAgent = errors.New("no idle agent")

	// ErrInvalidStatus indicates an unparseable status value.
	ErrInvalidStatus = errors.New("invalid agent status")

	// ErrClosed indicates the registry has been stopped.
	ErrClosed = errors.New("agent registry closed")
)

// Key identifies an agent.
type Key struct {
	Zone string `json:"zone"`
	Name string `json:"name"`
}

// Path returns the coordination path form /<zone>/<name>.
func (k Key) Path() string {
	return "/" + k.Zone + "/" + k.Name
}

// String implements fmt.Stringer.
func (k Key) String() string { return k.Path() }

// Agent is a snapshot of an agent record.
type Agent struct {
	Key       Key    `json:"key"`
	Status    Status `json:"status"`
	CommandID string `json:"command_id,omitempty"`

	// Present is the last presence value seen from the coordination service.
	Present bool `json:"present"`

	RegisteredAt time.Time `json:"registered_at"`
	LastReport   time.Time `json:"last_report,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	OfflineSince time.Time `json:"offline_since,omitempty"`

	// Reason records why the agent was last marked unreachable.
	Reason string `json:"reason,omitempty"`

	seq uint64
}

// Counts summarises a zone.
type Counts struct {
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
	Timeout int `json:"timeout"`
}

// Live is the number of agents that are present and usable or in use.
func (c Counts) Live() int { return c.Idle + c.Busy }

// Filter selects agents in List.
type Filter struct {
	// Status keeps only agents with this status. Empty keeps all.
	Status Status

	// Match is a doublestar pattern over agent names, e.g. "linux-*".
	Match string
}

// Validate checks the filter pattern.
func (f Filter) Validate() error {
	if f.Match != "" && !doublestar.ValidatePattern(f.Match) {
		return fmt.Errorf("invalid agent name pattern %q", f.Match)
	}
	return nil
}

// Matches reports whether a passes the filter.
func (f Filter) Matches(a Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Match != "" {
		ok, err := doublestar.Match(f.Match, a.Key.Name)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Event reports a status change.
type Event struct {
	Key  Key    `json:"key"`
	From Status `json:"from,omitempty"`
	To   Status `json:"to"`

	// CommandID is the command the agent held when the change happened.
	CommandID string    `json:"command_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
