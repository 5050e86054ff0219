package zone

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/coord"
	"github.com/3leaps/ccplane/pkg/provider"
)

// Defaults for Config zero values.
const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultProvisionTimeout  = 5 * time.Minute
	DefaultScaleDownGrace    = 2 * time.Minute
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = time.Minute
	DefaultMaxAttempts       = 5
	DefaultProvisionRate     = 2.0
)

// Registry is the agent registry surface the manager uses.
// Implemented by *agent.Registry.
type Registry interface {
	EnsureZone(zone string) error
	OnMembershipChanged(zone string, present []string) error
	OnDisconnected(zone string) error
	Acquire(zone, commandID string) (agent.Agent, error)
	RetireNewestIdle(zone string) (agent.Agent, bool)
	Get(key agent.Key) (agent.Agent, bool)
	Counts(zone string) agent.Counts
	Unknown(zone string) bool
}

// Providers resolves provider names. Implemented by *provider.Registry.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Store persists zone definitions.
type Store interface {
	Write(z Zone) error
	List() ([]Zone, error)
}

// Metrics observes provisioning.
type Metrics interface {
	ProvisionRequested(zone string)
	ProvisionFailed(zone string)
	AgentsObserved(zone string, counts agent.Counts)
}

type nopMetrics struct{}

func (nopMetrics) ProvisionRequested(string)           {}
func (nopMetrics) ProvisionFailed(string)              {}
func (nopMetrics) AgentsObserved(string, agent.Counts) {}

// Config configures a Manager.
type Config struct {
	// ReconcileInterval is the period of each zone's reconciliation loop.
	ReconcileInterval time.Duration

	// ProvisionTimeout is how long a created agent may take to register
	// before it stops counting as pending.
	ProvisionTimeout time.Duration

	// ScaleDownGrace is how long idle slack must persist before an agent
	// is terminated.
	ScaleDownGrace time.Duration

	// BackoffBase and BackoffMax bound the exponential provisioning backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxAttempts is the number of consecutive failures after which the
	// zone is flagged degraded. Provisioning keeps retrying at BackoffMax.
	MaxAttempts int

	// ProvisionRate limits provider create calls per second across zones.
	ProvisionRate float64

	Now    func() time.Time
	Logger *zap.Logger
}

// DefaultConfig returns manager defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: DefaultReconcileInterval,
		ProvisionTimeout:  DefaultProvisionTimeout,
		ScaleDownGrace:    DefaultScaleDownGrace,
		BackoffBase:       DefaultBackoffBase,
		BackoffMax:        DefaultBackoffMax,
		MaxAttempts:       DefaultMaxAttempts,
		ProvisionRate:     DefaultProvisionRate,
	}
}

// Option configures optional collaborators.
type Option func(*Manager)

// WithStore persists zone definitions.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithMetrics reports provisioning activity.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// Manager owns zone definitions and pool reconciliation.
type Manager struct {
	cfg       Config
	coord     coord.Client
	registry  Registry
	providers Providers
	store     Store
	metrics   Metrics
	limiter   *rate.Limiter
	logger    *zap.Logger

	// mu guards the fields below and is never held across coordination,
	// store or provider calls.
	mu       sync.RWMutex
	zones    map[string]*zoneState
	creating map[string]struct{}
	ctx      context.Context
	running  bool
	wg       sync.WaitGroup
}

// zoneState is the mutable per-zone reconciliation state. watch and cancel
// are guarded by Manager.mu, everything else by mu.
type zoneState struct {
	mu          sync.Mutex
	zone        Zone
	pending     map[string]time.Time
	terminating map[string]*termination
	inFlight    bool
	failures    int
	nextAttempt time.Time
	slackSince  time.Time

	watch   coord.Watch
	cancel  context.CancelFunc
	loopCtx context.Context
	wake    chan struct{}
}

// termination tracks a retired agent whose provider instance has not been
// confirmed gone.
type termination struct {
	inFlight    bool
	failures    int
	nextAttempt time.Time
}

// NewManager creates a Manager. Zero config values take defaults.
func NewManager(cfg Config, client coord.Client, registry Registry, providers Providers, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = def.ProvisionTimeout
	}
	if cfg.ScaleDownGrace <= 0 {
		cfg.ScaleDownGrace = def.ScaleDownGrace
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProvisionRate <= 0 {
		cfg.ProvisionRate = def.ProvisionRate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		cfg:       cfg,
		coord:     client,
		registry:  registry,
		providers: providers,
		metrics:   nopMetrics{},
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProvisionRate), 1),
		logger:    logger.Named("zones"),
		zones:     make(map[string]*zoneState),
		creating:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore loads persisted zones. It must be called before Start.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	zones, err := m.store.List()
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, z := range zones {
		if _, ok := m.zones[z.Name]; ok {
			continue
		}
		if err := z.Validate(); err != nil {
			m.logger.Warn("Skipping invalid stored zone", zap.String("zone", z.Name), zap.Error(err))
			continue
		}
		m.zones[z.Name] = newZoneState(z)
		m.logger.Info("Zone restored", zap.String("zone", z.Name), zap.String("provider", z.Provider))
	}
	return nil
}

func newZoneState(z Zone) *zoneState {
	return &zoneState{
		zone:        z,
		pending:     make(map[string]time.Time),
		terminating: make(map[string]*termination),
		wake:        make(chan struct{}, 1),
	}
}

// Start begins watching and reconciling every zone. Zones created later are
// started as they are created. Cancelling ctx stops all loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.ctx = ctx
	m.running = true
	states := make([]*zoneState, 0, len(m.zones))
	for _, st := range m.zones {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		if err := m.startZone(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all watches and loops and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, st := range m.zones {
		st.stopLocked()
	}
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
}

// stopLocked must be called with Manager.mu held.
func (st *zoneState) stopLocked() {
	if st.cancel != nil {
		st.cancel()
	}
	if st.watch != nil {
		st.watch.Cancel()
	}
	st.cancel = nil
	st.watch = nil
	st.loopCtx = nil
}

// watchZone opens the zone's membership watch. It makes coordination calls
// and must be called without Manager.mu held.
func (m *Manager) watchZone(ctx context.Context, st *zoneState) error {
	name := st.zone.Name
	if err := m.registry.EnsureZone(name); err != nil {
		return err
	}
	zctx, cancel := context.WithCancel(ctx)
	w, err := m.coord.WatchChildren(zctx, name, func(ev coord.Event) {
		switch ev.Type {
		case coord.EventChildren:
			if err := m.registry.OnMembershipChanged(name, ev.Children); err != nil {
				m.logger.Warn("Failed to apply membership", zap.String("zone", name), zap.Error(err))
			}
			select {
			case st.wake <- struct{}{}:
			default:
			}
		case coord.EventDisconnected:
			_ = m.registry.OnDisconnected(name)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("watch zone %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || st.cancel != nil {
		// Stopped meanwhile, or another caller won the race.
		cancel()
		w.Cancel()
		return nil
	}
	st.watch = w
	st.cancel = cancel
	st.loopCtx = zctx
	return nil
}

// launchLocked starts the reconciliation loop of a watched, committed zone.
// It must be called with Manager.mu held.
func (m *Manager) launchLocked(st *zoneState) {
	if st.loopCtx == nil {
		return
	}
	if !m.running {
		st.stopLocked()
		return
	}
	if _, ok := m.zones[st.zone.Name]; !ok {
		return
	}
	ctx := st.loopCtx
	st.loopCtx = nil
	name := st.zone.Name

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			if err := m.ReconcileOnce(ctx, name); err != nil && ctx.Err() == nil {
				m.logger.Debug("Reconcile pass failed", zap.String("zone", name), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-st.wake:
			}
		}
	}()
}

func (m *Manager) startZone(ctx context.Context, st *zoneState) error {
	if err := m.watchZone(ctx, st); err != nil {
		return err
	}
	m.mu.Lock()
	m.launchLocked(st)
	m.mu.Unlock()
	return nil
}

// CreateZone validates, persists and starts a new zone.
//
// The name is reserved under the manager lock; the coordination watch and
// the store write happen outside it, so other zones are never blocked.
func (m *Manager) CreateZone(ctx context.Context, z Zone) (Zone, error) {
	if err := ctx.Err(); err != nil {
		return Zone{}, err
	}
	if err := z.Validate(); err != nil {
		return Zone{}, err
	}
	if _, err := m.providers.Get(z.Provider); err != nil {
		return Zone{}, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	z.CreatedAt = m.cfg.Now().UTC()
	z.Degraded = false
	z.DegradedReason = ""

	m.mu.Lock()
	_, exists := m.zones[z.Name]
	_, reserved := m.creating[z.Name]
	if exists || reserved {
		m.mu.Unlock()
		return Zone{}, fmt.Errorf("%w: %s", ErrZoneAlreadyExists, z.Name)
	}
	m.creating[z.Name] = struct{}{}
	runCtx, running := m.ctx, m.running
	m.mu.Unlock()

	st := newZoneState(z)
	rollback := func() {
		m.mu.Lock()
		delete(m.creating, z.Name)
		st.stopLocked()
		m.mu.Unlock()
	}
	if running {
		if err := m.watchZone(runCtx, st); err != nil {
			rollback()
			return Zone{}, err
		}
	}
	if m.store != nil {
		if err := m.store.Write(z); err != nil {
			rollback()
			return Zone{}, fmt.Errorf("persist zone: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.creating, z.Name)
	m.zones[z.Name] = st
	// Start may have begun after the reservation was taken.
	lateStart := m.running && st.cancel == nil
	runCtx = m.ctx
	m.launchLocked(st)
	m.mu.Unlock()

	if lateStart {
		if err := m.startZone(runCtx, st); err != nil {
			m.logger.Warn("Failed to start zone", zap.String("zone", z.Name), zap.Error(err))
		}
	}
	m.logger.Info("Zone created", zap.String("zone", z.Name), zap.String("provider", z.Provider),
		zap.Int("min_size", z.MinSize), zap.Int("max_size", z.MaxSize))
	return z, nil
}

func (m *Manager) state(name string) (*zoneState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.zones[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, name)
	}
	return st, nil
}

// CheckZone returns ErrZoneNotFound for unknown zones.
func (m *Manager) CheckZone(name string) error {
	_, err := m.state(name)
	return err
}

// Zones returns all zone definitions sorted by name.
func (m *Manager) Zones() []Zone {
	m.mu.RLock()
	states := make([]*zoneState, 0, len(m.zones))
	for _, st := range m.zones {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]Zone, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.zone)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the zone's definition and pool state.
func (m *Manager) Get(name string) (Status, error) {
	st, err := m.state(name)
	if err != nil {
		return Status{}, err
	}
	counts := m.registry.Counts(name)
	unknown := m.registry.Unknown(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Status{
		Zone:         st.zone,
		Agents:       counts,
		Pending:      len(st.pending),
		Provisioning: st.inFlight,
		Failures:     st.failures,
		Terminating:  len(st.terminating),
		Unknown:      unknown,
	}, nil
}

// AcquireAgent marks the zone's earliest-registered idle agent BUSY for
// commandID.
func (m *Manager) AcquireAgent(name, commandID string) (agent.Agent, error) {
	if err := m.CheckZone(name); err != nil {
		return agent.Agent{}, err
	}
	a, err := m.registry.Acquire(name, commandID)
	if errors.Is(err, agent.ErrNoIdleAgent) {
		return agent.Agent{}, fmt.Errorf("%w in zone %s", ErrNoAvailableAgent, name)
	}
	if err != nil {
		return agent.Agent{}, err
	}
	return a, nil
}

// ReconcileOnce runs a single reconciliation pass for the zone.
//
// At most one create call per zone is in flight at any time, and agents that
// were requested but have not yet registered count toward the pool size, so
// overlapping passes never request more agents than the deficit. Retired
// agents whose termination failed are retried with backoff.
func (m *Manager) ReconcileOnce(ctx context.Context, name string) error {
	st, err := m.state(name)
	if err != nil {
		return err
	}
	termErr := m.retryTerminations(ctx, st)
	return errors.Join(termErr, m.reconcilePool(ctx, st))
}

func (m *Manager) reconcilePool(ctx context.Context, st *zoneState) error {
	name := st.zone.Name
	counts := m.registry.Counts(name)
	m.metrics.AgentsObserved(name, counts)
	if m.registry.Unknown(name) {
		// Membership is unknown; sizing decisions would be guesses.
		return nil
	}
	live := counts.Live()
	now := m.cfg.Now()

	st.mu.Lock()
	pending := make(map[string]time.Time, len(st.pending))
	for agentName, requested := range st.pending {
		pending[agentName] = requested
	}
	st.mu.Unlock()

	var settled []string
	for agentName, requested := range pending {
		a, ok := m.registry.Get(agent.Key{Zone: name, Name: agentName})
		switch {
		case ok && a.Present:
			settled = append(settled, agentName)
		case now.Sub(requested) > m.cfg.ProvisionTimeout:
			settled = append(settled, agentName)
			m.logger.Warn("Requested agent never registered", zap.String("zone", name), zap.String("agent", agentName))
		}
	}

	st.mu.Lock()
	for _, agentName := range settled {
		delete(st.pending, agentName)
	}
	z := st.zone
	planned := live + len(st.pending)

	if planned < z.MinSize && (z.MaxSize == 0 || planned < z.MaxSize) {
		st.slackSince = time.Time{}
		if st.inFlight || now.Before(st.nextAttempt) {
			st.mu.Unlock()
			return nil
		}
		st.inFlight = true
		st.mu.Unlock()
		return m.provision(ctx, st)
	}

	if counts.Idle > z.IdleSlack && live > z.MinSize {
		if st.slackSince.IsZero() {
			st.slackSince = now
			st.mu.Unlock()
			return nil
		}
		if now.Sub(st.slackSince) < m.cfg.ScaleDownGrace {
			st.mu.Unlock()
			return nil
		}
		st.slackSince = now
		st.mu.Unlock()
		return m.scaleDown(ctx, st, z)
	}
	st.slackSince = time.Time{}
	st.mu.Unlock()
	return nil
}

func (m *Manager) provision(ctx context.Context, st *zoneState) error {
	name := st.zone.Name
	defer func() {
		st.mu.Lock()
		st.inFlight = false
		st.mu.Unlock()
	}()

	p, err := m.providers.Get(st.zone.Provider)
	if err == nil {
		if err = m.limiter.Wait(ctx); err != nil {
			return err
		}
		m.metrics.ProvisionRequested(name)
		var handle *provider.AgentHandle
		handle, err = p.CreateAgent(ctx, name)
		if err == nil {
			m.onProvisioned(st, handle)
			return nil
		}
	}
	m.metrics.ProvisionFailed(name)
	m.onProvisionFailed(st, err)
	return err
}

func (m *Manager) onProvisioned(st *zoneState, handle *provider.AgentHandle) {
	st.mu.Lock()
	st.pending[handle.Name] = m.cfg.Now()
	st.failures = 0
	st.nextAttempt = time.Time{}
	recovered := st.zone.Degraded
	st.zone.Degraded = false
	st.zone.DegradedReason = ""
	z := st.zone
	st.mu.Unlock()

	m.logger.Info("Agent requested", zap.String("zone", z.Name), zap.String("agent", handle.Name),
		zap.String("instance_id", handle.InstanceID))
	if recovered {
		m.logger.Info("Zone recovered from degraded state", zap.String("zone", z.Name))
		m.persist(z)
	}
}

func (m *Manager) onProvisionFailed(st *zoneState, cause error) {
	st.mu.Lock()
	st.failures++
	delay := backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, st.failures)
	st.nextAttempt = m.cfg.Now().Add(delay)
	degradedNow := !st.zone.Degraded && st.failures >= m.cfg.MaxAttempts
	if degradedNow {
		st.zone.Degraded = true
		st.zone.DegradedReason = fmt.Errorf("%w: %v", provider.ErrProvisioningFailure, cause).Error()
	}
	z := st.zone
	failures := st.failures
	st.mu.Unlock()

	m.logger.Warn("Provisioning failed", zap.String("zone", z.Name), zap.Int("attempt", failures),
		zap.Duration("retry_in", delay), zap.Bool("transient", provider.IsTransient(cause)), zap.Error(cause))
	if degradedNow {
		m.logger.Error("Zone degraded", zap.String("zone", z.Name), zap.String("reason", z.DegradedReason))
		m.persist(z)
	}
}

func (m *Manager) scaleDown(ctx context.Context, st *zoneState, z Zone) error {
	a, ok := m.registry.RetireNewestIdle(z.Name)
	if !ok {
		return nil
	}
	m.logger.Info("Scaling down idle agent", zap.String("zone", z.Name), zap.String("agent", a.Key.Name))
	st.mu.Lock()
	st.terminating[a.Key.Name] = &termination{}
	st.mu.Unlock()
	return m.terminate(ctx, st, a.Key.Name)
}

func (m *Manager) retryTerminations(ctx context.Context, st *zoneState) error {
	st.mu.Lock()
	names := make([]string, 0, len(st.terminating))
	for name := range st.terminating {
		names = append(names, name)
	}
	st.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := m.terminate(ctx, st, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// terminate makes one termination attempt for a retired agent unless one is
// already in flight or the agent is backing off. The agent stays tracked
// until the provider confirms it is gone.
func (m *Manager) terminate(ctx context.Context, st *zoneState, agentName string) error {
	now := m.cfg.Now()
	st.mu.Lock()
	t, ok := st.terminating[agentName]
	if !ok || t.inFlight || now.Before(t.nextAttempt) {
		st.mu.Unlock()
		return nil
	}
	t.inFlight = true
	z := st.zone
	st.mu.Unlock()

	p, err := m.providers.Get(z.Provider)
	if err == nil {
		err = p.TerminateAgent(ctx, z.Name, agentName)
	}

	st.mu.Lock()
	t.inFlight = false
	if err == nil || provider.IsNotFound(err) {
		delete(st.terminating, agentName)
		st.mu.Unlock()
		return nil
	}
	t.failures++
	failures := t.failures
	delay := backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, failures)
	t.nextAttempt = m.cfg.Now().Add(delay)
	st.mu.Unlock()

	m.logger.Warn("Termination failed", zap.String("zone", z.Name), zap.String("agent", agentName),
		zap.Int("attempt", failures), zap.Duration("retry_in", delay),
		zap.Bool("transient", provider.IsTransient(err)), zap.Error(err))
	return fmt.Errorf("terminate %s/%s: %w", z.Name, agentName, err)
}

func (m *Manager) persist(z Zone) {
	if m.store == nil {
		return
	}
	if err := m.store.Write(z); err != nil {
		m.logger.Warn("Failed to persist zone", zap.String("zone", z.Name), zap.Error(err))
	}
}

// backoff returns base * 2^(attempt-1), capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
