// Package local provisions agents in-process.
//
// Each agent gets its own HTTP endpoint on a loopback port and registers
// presence in the coordination service like a remote agent would. The
// "local" provider runs scripts with a shell; the "test" provider uses
// SimExecutor and runs nothing.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/coord"
	"github.com/3leaps/ccplane/pkg/logstore"
	"github.com/3leaps/ccplane/pkg/provider"
)

// Reporter receives command status reports. Implemented by
// *command.Dispatcher.
type Reporter interface {
	OnAgentReport(ctx context.Context, rep command.Report) error
}

// Liveness receives periodic agent status. Implemented by *agent.Registry.
type Liveness interface {
	ReportStatus(zone, name string, status agent.Status) error
}

// Config configures a local provider.
type Config struct {
	// Name is the provider name: "local" or "test".
	Name provider.ProviderType

	// Host is the listen address for agent endpoints. Defaults to 127.0.0.1.
	Host string

	// Coord is where agents register presence (required).
	Coord coord.Client

	// Executor runs payloads. Defaults to ShellExecutor for "local" and
	// SimExecutor otherwise.
	Executor Executor

	// Logs receives command output when set.
	Logs logstore.Store

	// Liveness and HeartbeatInterval enable periodic status reports.
	Liveness          Liveness
	HeartbeatInterval time.Duration

	Logger *zap.Logger
}

// Provider implements provider.Provider with in-process agents.
type Provider struct {
	cfg    Config
	logger *zap.Logger

	reporterMu sync.RWMutex
	rep        Reporter

	mu     sync.Mutex
	agents map[agent.Key]*localAgent
	closed bool
}

var _ provider.Provider = (*Provider)(nil)

// New creates a local provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Coord == nil {
		return nil, fmt.Errorf("local provider: coordination client is required")
	}
	if cfg.Name == "" {
		cfg.Name = provider.ProviderLocal
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Executor == nil {
		if cfg.Name == provider.ProviderLocal {
			cfg.Executor = ShellExecutor{}
		} else {
			cfg.Executor = SimExecutor{}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.Named("provider." + string(cfg.Name)),
		agents: make(map[agent.Key]*localAgent),
	}, nil
}

// SetReporter sets where agents send command reports.
func (p *Provider) SetReporter(r Reporter) {
	p.reporterMu.Lock()
	defer p.reporterMu.Unlock()
	p.rep = r
}

func (p *Provider) reporter() Reporter {
	p.reporterMu.RLock()
	defer p.reporterMu.RUnlock()
	return p.rep
}

func (p *Provider) Name() string { return string(p.cfg.Name) }

// CreateAgent starts an agent and registers its presence before returning.
func (p *Provider) CreateAgent(ctx context.Context, zone string) (*provider.AgentHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.wrapError("CreateAgent", zone, "", provider.ErrProviderUnavailable)
	}
	p.mu.Unlock()

	name := fmt.Sprintf("%s-%s", p.cfg.Name, uuid.NewString()[:8])
	a, err := p.startAgent(ctx, zone, name)
	if err != nil {
		return nil, p.wrapError("CreateAgent", zone, name, err)
	}

	p.mu.Lock()
	p.agents[a.key] = a
	p.mu.Unlock()

	p.logger.Info("Local agent started", zap.String("zone", zone), zap.String("agent", name),
		zap.String("endpoint", a.endpoint))
	return &provider.AgentHandle{Zone: zone, Name: name, InstanceID: a.endpoint}, nil
}

// TerminateAgent stops the agent; its presence disappears immediately.
func (p *Provider) TerminateAgent(ctx context.Context, zone, name string) error {
	key := agent.Key{Zone: zone, Name: name}
	p.mu.Lock()
	a, ok := p.agents[key]
	delete(p.agents, key)
	p.mu.Unlock()
	if !ok {
		return p.wrapError("TerminateAgent", zone, name, provider.ErrNotFound)
	}
	if err := a.shutdown(ctx); err != nil {
		return p.wrapError("TerminateAgent", zone, name, err)
	}
	p.logger.Info("Local agent stopped", zap.String("zone", zone), zap.String("agent", name))
	return nil
}

// Agents returns the running agents' keys.
func (p *Provider) Agents() []agent.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Key, 0, len(p.agents))
	for k := range p.agents {
		out = append(out, k)
	}
	return out
}

// Close stops every agent.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	agents := p.agents
	p.agents = make(map[agent.Key]*localAgent)
	p.mu.Unlock()

	var first error
	for _, a := range agents {
		if err := a.shutdown(context.Background()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *Provider) wrapError(op, zone, name string, err error) error {
	return &provider.ProviderError{Op: op, Provider: p.cfg.Name, Zone: zone, Agent: name, Err: err}
}
