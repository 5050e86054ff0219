// Package zone manages agent pools and keeps them within their size bounds.
//
// A zone ties a pool of agents to one provisioning provider. For every zone
// the Manager watches the coordination service, feeds membership into the
// agent registry, and runs a reconciliation loop that scales the pool up to
// MinSize and trims idle slack back down.
package zone

import (
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/coord"
)

// Sentinel errors.
var (
	// ErrZoneAlreadyExists indicates CreateZone was called with a taken name.
	ErrZoneAlreadyExists = errors.New("zone already exists")

	// ErrZoneNotFound indicates the zone does not exist.
	ErrZoneNotFound = errors.New("zone not found")

	// ErrNoAvailableAgent indicates the zone has no idle agent right now.
	ErrNoAvailableAgent = errors.New("no available agent")

	// ErrInvalidZone indicates a zone definition failed validation.
	ErrInvalidZone = errors.New("invalid zone")
)

// Zone is a zone definition plus its health flag.
type Zone struct {
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider" yaml:"provider"`

	// MinSize is the number of live agents the zone keeps.
	MinSize int `json:"min_size" yaml:"min_size"`

	// MaxSize caps live plus pending agents. Zero means unbounded.
	MaxSize int `json:"max_size,omitempty" yaml:"max_size,omitempty"`

	// IdleSlack is the number of idle agents tolerated before scale-down
	// starts. The pool never shrinks below MinSize.
	IdleSlack int `json:"idle_slack,omitempty" yaml:"idle_slack,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// Degraded is set when provisioning failed past the retry cap.
	Degraded       bool   `json:"degraded,omitempty" yaml:"-"`
	DegradedReason string `json:"degraded_reason,omitempty" yaml:"-"`
}

// Validate checks the definition.
func (z Zone) Validate() error {
	if err := coord.ValidateName("zone", z.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	if z.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidZone)
	}
	if z.MinSize < 0 || z.MaxSize < 0 || z.IdleSlack < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidZone)
	}
	if z.MaxSize > 0 && z.MaxSize < z.MinSize {
		return fmt.Errorf("%w: max_size %d is below min_size %d", ErrInvalidZone, z.MaxSize, z.MinSize)
	}
	return nil
}

// Status is a zone's definition and current pool state.
type Status struct {
	Zone

	Agents agent.Counts `json:"agents"`

	// Pending is the number of requested agents not yet registered.
	Pending int `json:"pending"`

	// Provisioning is set while a create call is in flight.
	Provisioning bool `json:"provisioning"`

	// Failures counts consecutive provisioning failures.
	Failures int `json:"failures,omitempty"`

	// Terminating is the number of retired agents awaiting provider
	// termination.
	Terminating int `json:"terminating,omitempty"`

	// Unknown is set while coordination membership is unknown.
	Unknown bool `json:"unknown,omitempty"`
}
