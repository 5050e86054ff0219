// Package provider defines the cloud provisioning abstraction behind zones.
//
// A zone names one provider. The zone manager asks the provider for new
// agents when a pool is below its minimum size and terminates idle agents
// when the pool has too much slack. Providers only create and destroy
// machines; an agent counts as live once it registers presence in the
// coordination service, not when CreateAgent returns.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderType identifies a provisioning backend.
type ProviderType string

const (
	// ProviderLocal simulates agents in-process by registering presence directly.
	ProviderLocal ProviderType = "local"

	// ProviderTest is an alias of local used by fixtures and smoke tests.
	ProviderTest ProviderType = "test"

	// ProviderEC2 launches agents as EC2 instances.
	ProviderEC2 ProviderType = "ec2"
)

// Provider creates and destroys agent machines for a zone.
//
// Implementations should:
//   - Be safe for concurrent use
//   - Return errors wrapping the sentinel errors in this package
//   - Use SDK default credential chains where applicable
type Provider interface {
	// Name returns the provider name zones refer to.
	Name() string

	// CreateAgent requests one new agent for the zone.
	CreateAgent(ctx context.Context, zone string) (*AgentHandle, error)

	// TerminateAgent destroys the agent machine. Unknown agents return ErrNotFound.
	TerminateAgent(ctx context.Context, zone, name string) error

	// Close releases any resources held by the provider.
	Close() error
}

// AgentHandle describes a requested agent.
type AgentHandle struct {
	// Zone is the zone the agent will register under.
	Zone string `json:"zone"`

	// Name is the agent name the machine will register with.
	Name string `json:"name"`

	// InstanceID is the provider's identifier for the machine, if any.
	InstanceID string `json:"instance_id,omitempty"`
}

// Registry maps provider names to instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under name. Registering a name twice is an error.
func (r *Registry) Register(name string, p Provider) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p == nil {
		return fmt.Errorf("provider %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered provider and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
