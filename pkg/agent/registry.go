package agent

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Defaults for Config zero values.
const (
	DefaultStalenessWindow  = 30 * time.Second
	DefaultOfflineRetention = 10 * time.Minute
	DefaultSweepInterval    = 5 * time.Second
)

// Config configures a Registry.
type Config struct {
	// StalenessWindow bounds how long a zone may stay "unknown" after a
	// coordination disconnect before its agents are marked OFFLINE.
	StalenessWindow time.Duration

	// OfflineRetention is how long absent OFFLINE/TIMEOUT agents are kept
	// before being purged.
	OfflineRetention time.Duration

	// LivenessTimeout marks present agents TIMEOUT when no report arrives
	// for this long. Zero disables liveness checks.
	LivenessTimeout time.Duration

	// SweepInterval is the period of Run's sweep loop.
	SweepInterval time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time

	Logger *zap.Logger
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow:  DefaultStalenessWindow,
		OfflineRetention: DefaultOfflineRetention,
		SweepInterval:    DefaultSweepInterval,
	}
}

// Registry owns all agent records.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	seq    atomic.Uint64

	mu     sync.Mutex
	zones  map[string]*zoneActor
	closed bool

	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	wg sync.WaitGroup
}

// New creates a Registry. Zero config values take defaults.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = def.StalenessWindow
	}
	if cfg.OfflineRetention <= 0 {
		cfg.OfflineRetention = def.OfflineRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.Named("registry"),
		zones:  make(map[string]*zoneActor),
		subs:   make(map[*subscription]struct{}),
	}
}

// zoneActor serializes all state for one zone. Fields below inbox are only
// touched from the actor goroutine.
type zoneActor struct {
	name  string
	inbox chan func()
	done  chan struct{}

	agents       map[string]*Agent
	unknownSince time.Time
}

func (r *Registry) actor(zone string, create bool) (*zoneActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	a, ok := r.zones[zone]
	if ok || !create {
		return a, nil
	}
	a = &zoneActor{
		name:   zone,
		inbox:  make(chan func(), 64),
		done:   make(chan struct{}),
		agents: make(map[string]*Agent),
	}
	r.zones[zone] = a
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case fn := <-a.inbox:
				fn()
			case <-a.done:
				return
			}
		}
	}()
	return a, nil
}

// do runs fn on the zone's actor and waits for it. A missing zone is created
// only when create is set; otherwise fn is not run and ok is false.
func (r *Registry) do(zone string, create bool, fn func(*zoneActor)) (bool, error) {
	a, err := r.actor(zone, create)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}
	finished := make(chan struct{})
	select {
	case a.inbox <- func() { fn(a); close(finished) }:
	case <-a.done:
		return false, ErrClosed
	}
	select {
	case <-finished:
		return true, nil
	case <-a.done:
		return false, ErrClosed
	}
}

func (r *Registry) zoneNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.zones))
	for name := range r.zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// setStatus applies a status change on the actor and publishes the event.
func (r *Registry) setStatus(a *Agent, to Status, reason string, now time.Time) {
	from := a.Status
	if from == to {
		return
	}
	held := a.CommandID
	a.Status = to
	a.UpdatedAt = now
	switch {
	case to.Unreachable():
		a.OfflineSince = now
		a.Reason = reason
		a.CommandID = ""
	case to == StatusIdle:
		a.OfflineSince = time.Time{}
		a.Reason = ""
		a.CommandID = ""
	}
	r.publish(Event{Key: a.Key, From: from, To: to, CommandID: held, Reason: reason, At: now})
}

// EnsureZone creates the zone's actor if needed.
func (r *Registry) EnsureZone(zone string) error {
	_, err := r.actor(zone, true)
	return err
}

// OnMembershipChanged applies a full presence snapshot for a zone.
//
// New names are added as IDLE. Known agents missing from the snapshot are
// marked OFFLINE and retained. Agents reappearing after an absence return to
// IDLE. Agents whose presence did not change are left untouched, so replayed
// snapshots have no effect.
func (r *Registry) OnMembershipChanged(zone string, present []string) error {
	_, err := r.do(zone, true, func(z *zoneActor) {
		now := r.cfg.Now()
		z.unknownSince = time.Time{}

		seen := make(map[string]struct{}, len(present))
		for _, name := range present {
			seen[name] = struct{}{}
			a, ok := z.agents[name]
			if !ok {
				a = &Agent{
					Key:          Key{Zone: zone, Name: name},
					Present:      true,
					RegisteredAt: now,
					UpdatedAt:    now,
					seq:          r.seq.Add(1),
				}
				z.agents[name] = a
				r.setStatus(a, StatusIdle, "", now)
				r.logger.Info("Agent registered", zap.String("agent", a.Key.Path()))
				continue
			}
			if a.Present {
				continue
			}
			a.Present = true
			a.RegisteredAt = now
			a.seq = r.seq.Add(1)
			r.setStatus(a, StatusIdle, "", now)
			r.logger.Info("Agent returned", zap.String("agent", a.Key.Path()))
		}

		for name, a := range z.agents {
			if _, ok := seen[name]; ok || !a.Present {
				continue
			}
			a.Present = false
			a.UpdatedAt = now
			if a.Status == StatusOffline {
				continue
			}
			r.setStatus(a, StatusOffline, "presence lost", now)
			r.logger.Info("Agent offline", zap.String("agent", a.Key.Path()), zap.String("reason", "presence lost"))
		}
	})
	return err
}

// OnDisconnected records that the zone's membership is unknown. Nothing is
// cleared until the staleness window elapses.
func (r *Registry) OnDisconnected(zone string) error {
	_, err := r.do(zone, true, func(z *zoneActor) {
		if z.unknownSince.IsZero() {
			z.unknownSince = r.cfg.Now()
			r.logger.Warn("Zone membership unknown", zap.String("zone", zone))
		}
	})
	return err
}

// ReportStatus records a status report from an agent. Reports for unknown
// agents return ErrUnknownAgent and are logged.
//
// An agent reporting while its presence record is missing keeps its status;
// only the report time is updated.
func (r *Registry) ReportStatus(zone, name string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	var known bool
	ran, err := r.do(zone, false, func(z *zoneActor) {
		a, ok := z.agents[name]
		if !ok {
			return
		}
		known = true
		now := r.cfg.Now()
		a.LastReport = now
		if !a.Present {
			return
		}
		if status == StatusIdle && a.CommandID != "" && a.Status == StatusBusy {
			// Only Release frees an agent that holds a command.
			return
		}
		r.setStatus(a, status, "reported", now)
	})
	if err != nil {
		return err
	}
	if !ran || !known {
		r.logger.Warn("Status report from unknown agent", zap.String("zone", zone), zap.String("agent", name),
			zap.String("status", string(status)))
		return ErrUnknownAgent
	}
	return nil
}

// FindIdle returns the earliest-registered IDLE agent in the zone.
func (r *Registry) FindIdle(zone string) (Agent, bool) {
	var out Agent
	var found bool
	_, _ = r.do(zone, false, func(z *zoneActor) {
		if a := z.earliestIdle(); a != nil {
			out, found = *a, true
		}
	})
	return out, found
}

// Acquire selects the earliest-registered IDLE agent and marks it BUSY with
// commandID in one step.
func (r *Registry) Acquire(zone, commandID string) (Agent, error) {
	var out Agent
	var found bool
	_, err := r.do(zone, false, func(z *zoneActor) {
		a := z.earliestIdle()
		if a == nil {
			return
		}
		a.CommandID = commandID
		r.setStatus(a, StatusBusy, "", r.cfg.Now())
		out, found = *a, true
	})
	if err != nil {
		return Agent{}, err
	}
	if !found {
		return Agent{}, ErrNoIdleAgent
	}
	return out, nil
}

// Release returns a BUSY agent to IDLE if it still holds commandID.
func (r *Registry) Release(key Key, commandID string) bool {
	var released bool
	_, _ = r.do(key.Zone, false, func(z *zoneActor) {
		a, ok := z.agents[key.Name]
		if !ok || a.Status != StatusBusy || a.CommandID != commandID {
			return
		}
		r.setStatus(a, StatusIdle, "", r.cfg.Now())
		released = true
	})
	return released
}

// MarkOffline marks an agent OFFLINE, e.g. after an unanswered command.
// It stays OFFLINE until it reports again or its presence is lost and regained.
func (r *Registry) MarkOffline(key Key, reason string) bool {
	var marked bool
	_, _ = r.do(key.Zone, false, func(z *zoneActor) {
		a, ok := z.agents[key.Name]
		if !ok || a.Status == StatusOffline {
			return
		}
		r.setStatus(a, StatusOffline, reason, r.cfg.Now())
		r.logger.Warn("Agent marked offline", zap.String("agent", key.Path()), zap.String("reason", reason))
		marked = true
	})
	return marked
}

// RetireNewestIdle takes the most recently registered IDLE agent out of
// rotation (OFFLINE, reason "retired") so it can be terminated.
func (r *Registry) RetireNewestIdle(zone string) (Agent, bool) {
	var out Agent
	var found bool
	_, _ = r.do(zone, false, func(z *zoneActor) {
		var newest *Agent
		for _, a := range z.agents {
			if a.Status != StatusIdle || !a.Present {
				continue
			}
			if newest == nil || a.seq > newest.seq {
				newest = a
			}
		}
		if newest == nil {
			return
		}
		r.setStatus(newest, StatusOffline, "retired", r.cfg.Now())
		out, found = *newest, true
	})
	return out, found
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(key Key) (Agent, bool) {
	var out Agent
	var found bool
	_, _ = r.do(key.Zone, false, func(z *zoneActor) {
		if a, ok := z.agents[key.Name]; ok {
			out, found = *a, true
		}
	})
	return out, found
}

// List returns the zone's agents matching filter, earliest-registered first.
// An empty zone name lists every zone.
func (r *Registry) List(zone string, filter Filter) []Agent {
	zones := []string{zone}
	if zone == "" {
		zones = r.zoneNames()
	}
	var out []Agent
	for _, name := range zones {
		_, _ = r.do(name, false, func(z *zoneActor) {
			for _, a := range z.agents {
				if filter.Matches(*a) {
					out = append(out, *a)
				}
			}
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Zone != out[j].Key.Zone {
			return out[i].Key.Zone < out[j].Key.Zone
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Counts summarises a zone's agents by status.
func (r *Registry) Counts(zone string) Counts {
	var c Counts
	_, _ = r.do(zone, false, func(z *zoneActor) {
		for _, a := range z.agents {
			switch a.Status {
			case StatusIdle:
				c.Idle++
			case StatusBusy:
				c.Busy++
			case StatusOffline:
				c.Offline++
			case StatusTimeout:
				c.Timeout++
			}
		}
	})
	return c
}

// Unknown reports whether the zone's membership is currently unknown.
func (r *Registry) Unknown(zone string) bool {
	var unknown bool
	_, _ = r.do(zone, false, func(z *zoneActor) {
		unknown = !z.unknownSince.IsZero()
	})
	return unknown
}

// Sweep applies the time-based rules at now: zones unknown past the staleness
// window lose all agents to OFFLINE, present agents overdue on liveness become
// TIMEOUT, and unreachable agents past the retention period are purged.
func (r *Registry) Sweep(now time.Time) {
	for _, zone := range r.zoneNames() {
		_, _ = r.do(zone, false, func(z *zoneActor) {
			if !z.unknownSince.IsZero() && now.Sub(z.unknownSince) > r.cfg.StalenessWindow {
				for _, a := range z.agents {
					a.Present = false
					if a.Status != StatusOffline {
						r.setStatus(a, StatusOffline, "membership stale", now)
					}
				}
			}

			if r.cfg.LivenessTimeout > 0 {
				for _, a := range z.agents {
					if !a.Present || a.Status.Unreachable() {
						continue
					}
					last := a.LastReport
					if last.IsZero() {
						last = a.RegisteredAt
					}
					if now.Sub(last) > r.cfg.LivenessTimeout {
						r.setStatus(a, StatusTimeout, "liveness report overdue", now)
						r.logger.Warn("Agent liveness overdue", zap.String("agent", a.Key.Path()))
					}
				}
			}

			for name, a := range z.agents {
				if a.Present || !a.Status.Unreachable() {
					continue
				}
				if now.Sub(a.OfflineSince) > r.cfg.OfflineRetention {
					delete(z.agents, name)
					r.logger.Debug("Agent purged", zap.String("agent", a.Key.Path()))
				}
			}
		})
	}
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.cfg.Now())
		}
	}
}

// Close stops all zone actors and ends every Watch channel.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, a := range r.zones {
		close(a.done)
	}
	r.mu.Unlock()
	r.wg.Wait()

	r.subsMu.Lock()
	for sub := range r.subs {
		sub.stop()
	}
	r.subsMu.Unlock()
}

func (z *zoneActor) earliestIdle() *Agent {
	var best *Agent
	for _, a := range z.agents {
		if a.Status != StatusIdle || !a.Present {
			continue
		}
		if best == nil || a.RegisteredAt.Before(best.RegisteredAt) ||
			(a.RegisteredAt.Equal(best.RegisteredAt) && a.seq < best.seq) {
			best = a
		}
	}
	return best
}
