package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/zone"
)

// Defaults for Config zero values.
const (
	DefaultDispatchInterval = 200 * time.Millisecond
	DefaultResponseTimeout  = 60 * time.Second
	DefaultTransmitTimeout  = 10 * time.Second
	DefaultRetention        = 10 * time.Minute
)

// Zones resolves zones and acquires agents. Implemented by *zone.Manager.
type Zones interface {
	// CheckZone returns zone.ErrZoneNotFound for unknown zones.
	CheckZone(name string) error

	// AcquireAgent marks an idle agent BUSY for commandID or returns
	// zone.ErrNoAvailableAgent.
	AcquireAgent(name, commandID string) (agent.Agent, error)
}

// Agents is the subset of the agent registry the dispatcher mutates.
// Implemented by *agent.Registry.
type Agents interface {
	Release(key agent.Key, commandID string) bool
	MarkOffline(key agent.Key, reason string) bool
	Watch(ctx context.Context) <-chan agent.Event
}

// Transport transmits messages to agents. It is always called without any
// dispatcher lock held.
type Transport interface {
	Dispatch(ctx context.Context, key agent.Key, msg Dispatch) error
	Cancel(ctx context.Context, key agent.Key, commandID string) error
}

// Recorder persists command snapshots. Each call carries the full history.
type Recorder interface {
	RecordCommand(ctx context.Context, cmd Command) error
}

// Metrics observes dispatcher activity.
type Metrics interface {
	CommandSubmitted(zone string)
	CommandDispatched(zone string)
	CommandCompleted(zone string, status Status)
	AgentTimeout(zone string)
}

type nopMetrics struct{}

func (nopMetrics) CommandSubmitted(string)         {}
func (nopMetrics) CommandDispatched(string)        {}
func (nopMetrics) CommandCompleted(string, Status) {}
func (nopMetrics) AgentTimeout(string)             {}

// Config configures a Dispatcher.
type Config struct {
	// DispatchInterval is the per-zone dispatch tick.
	DispatchInterval time.Duration

	// ResponseTimeout is the longest gap allowed between reports for a
	// dispatched command. Each non-terminal report restarts it.
	ResponseTimeout time.Duration

	// SubmitDeadline bounds how long a command may wait for an agent.
	// Zero waits indefinitely.
	SubmitDeadline time.Duration

	// TransmitTimeout bounds one Transport.Dispatch call.
	TransmitTimeout time.Duration

	// Retention is how long terminal commands stay in memory.
	Retention time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		DispatchInterval: DefaultDispatchInterval,
		ResponseTimeout:  DefaultResponseTimeout,
		TransmitTimeout:  DefaultTransmitTimeout,
		Retention:        DefaultRetention,
	}
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

// WithRecorder persists every command transition.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics reports dispatcher activity.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// Dispatcher owns in-flight commands.
type Dispatcher struct {
	cfg       Config
	zones     Zones
	agents    Agents
	transport Transport
	recorder  Recorder
	metrics   Metrics
	logger    *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
	queues  map[string]*queue

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// record is one command. All fields below mu are guarded by it.
type record struct {
	mu       sync.Mutex
	cmd      Command
	deadline time.Time
	timer    *time.Timer
	timerGen uint64
	watchers []chan Command
	done     chan struct{}
}

// queue is a zone's FIFO of PENDING commands.
type queue struct {
	mu      sync.Mutex
	pending []*record
	wake    chan struct{}
}

// New creates a Dispatcher. Call Start to run the dispatch loops.
func New(cfg Config, zones Zones, agents Agents, transport Transport, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.TransmitTimeout <= 0 {
		cfg.TransmitTimeout = def.TransmitTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:       cfg,
		zones:     zones,
		agents:    agents,
		transport: transport,
		metrics:   nopMetrics{},
		logger:    logger.Named("dispatcher"),
		records:   make(map[string]*record),
		queues:    make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start runs the agent-event watcher and the dispatch loops of zones that
// already have queued commands. Loops for new zones start on first Submit.
// Cancelling ctx has the same effect as Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	for name, q := range d.queues {
		d.startLoop(name, q)
	}
	d.mu.Unlock()

	events := d.agents.Watch(d.ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range events {
			d.onAgentEvent(ev)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			d.cancel()
		case <-d.ctx.Done():
		}
	}()
}

// Stop ends all loops and waits for them. Later Submit calls fail with
// ErrStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

// startLoop must be called with d.mu held.
func (d *Dispatcher) startLoop(name string, q *queue) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.DispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
			case <-q.wake:
			}
			d.DispatchOnce(d.ctx, name)
		}
	}()
}

func (d *Dispatcher) queueFor(name string) *queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[name]
	if !ok {
		q = &queue{wake: make(chan struct{}, 1)}
		d.queues[name] = q
		if d.started && d.ctx.Err() == nil {
			d.startLoop(name, q)
		}
	}
	return q
}

func (d *Dispatcher) lookup(id string) (*record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	return rec, ok
}

// Submit validates the zone and queues a new PENDING command. It returns the
// generated command id, or ErrStopped once the dispatcher has been stopped.
func (d *Dispatcher) Submit(ctx context.Context, zoneName string, payload Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := d.zones.CheckZone(zoneName); err != nil {
		return "", err
	}

	now := d.cfg.Now()
	rec := &record{
		cmd: Command{
			ID:        uuid.NewString(),
			Zone:      zoneName,
			Payload:   payload,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			History:   []Transition{{Status: StatusPending, At: now}},
		},
		done: make(chan struct{}),
	}
	if d.cfg.SubmitDeadline > 0 {
		rec.deadline = now.Add(d.cfg.SubmitDeadline)
	}
	snap := rec.cmd.clone()

	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return "", ErrStopped
	}
	d.records[snap.ID] = rec
	d.mu.Unlock()

	q := d.queueFor(zoneName)
	q.mu.Lock()
	q.pending = append(q.pending, rec)
	q.mu.Unlock()
	d.wakeZone(zoneName)

	d.metrics.CommandSubmitted(zoneName)
	d.logger.Info("Command submitted", zap.String("command_id", snap.ID), zap.String("zone", zoneName))
	d.record(ctx, snap)
	return snap.ID, nil
}

func (d *Dispatcher) wakeZone(name string) {
	d.mu.RLock()
	q, ok := d.queues[name]
	d.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) remove(rec *record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.pending {
		if r == rec {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *queue) pushFront(rec *record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]*record{rec}, q.pending...)
}

func (q *queue) head() *record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// DispatchOnce runs one dispatch pass for a zone: queued commands are handed
// to idle agents in FIFO order until the zone has no available agent.
func (d *Dispatcher) DispatchOnce(ctx context.Context, zoneName string) {
	q := d.queueFor(zoneName)
	for ctx.Err() == nil {
		rec := q.head()
		if rec == nil {
			return
		}

		now := d.cfg.Now()
		rec.mu.Lock()
		if rec.cmd.Status != StatusPending {
			rec.mu.Unlock()
			q.remove(rec)
			continue
		}
		if !rec.deadline.IsZero() && now.After(rec.deadline) {
			snap := d.finishLocked(rec, StatusFailure, nil, "", zone.ErrNoAvailableAgent.Error(), now)
			rec.mu.Unlock()
			q.remove(rec)
			d.afterTerminal(ctx, snap)
			continue
		}
		id := rec.cmd.ID
		rec.mu.Unlock()

		ag, err := d.zones.AcquireAgent(zoneName, id)
		if errors.Is(err, zone.ErrNoAvailableAgent) {
			return
		}
		if err != nil {
			rec.mu.Lock()
			snap := d.finishLocked(rec, StatusFailure, nil, "", err.Error(), d.cfg.Now())
			rec.mu.Unlock()
			q.remove(rec)
			d.afterTerminal(ctx, snap)
			continue
		}

		rec.mu.Lock()
		if rec.cmd.Status != StatusPending {
			// Cancelled while the agent was being acquired.
			rec.mu.Unlock()
			q.remove(rec)
			d.agents.Release(ag.Key, id)
			continue
		}
		rec.cmd.Agent = ag.Key.Name
		d.transitionLocked(rec, StatusSent, "", d.cfg.Now())
		d.armTimerLocked(rec)
		msg := Dispatch{CommandID: id, Zone: zoneName, Agent: ag.Key.Name, Payload: rec.cmd.Payload}
		snap := rec.cmd.clone()
		rec.mu.Unlock()
		q.remove(rec)
		d.record(ctx, snap)

		tctx, cancel := context.WithTimeout(ctx, d.cfg.TransmitTimeout)
		err = d.transport.Dispatch(tctx, ag.Key, msg)
		cancel()
		if err != nil {
			d.requeue(ctx, q, rec, ag.Key, err)
			continue
		}
		d.metrics.CommandDispatched(zoneName)
		d.logger.Info("Command dispatched", zap.String("command_id", id), zap.String("agent", ag.Key.Path()))
	}
}

// requeue returns a command whose payload was never accepted to the head of
// its queue and takes the agent out of rotation.
func (d *Dispatcher) requeue(ctx context.Context, q *queue, rec *record, key agent.Key, cause error) {
	rec.mu.Lock()
	if rec.cmd.Status != StatusSent || rec.cmd.Agent != key.Name {
		rec.mu.Unlock()
		return
	}
	d.stopTimerLocked(rec)
	rec.cmd.Agent = ""
	d.transitionLocked(rec, StatusPending, "transmit failed: "+cause.Error(), d.cfg.Now())
	snap := rec.cmd.clone()
	rec.mu.Unlock()

	q.pushFront(rec)
	d.agents.MarkOffline(key, "transmit failed")
	d.logger.Warn("Command transmit failed, requeued", zap.String("command_id", snap.ID),
		zap.String("agent", key.Path()), zap.Error(cause))
	d.record(ctx, snap)
}

// OnAgentReport applies an agent's status report. Reports that do not advance
// the command are discarded without error.
func (d *Dispatcher) OnAgentReport(ctx context.Context, rep Report) error {
	if rep.Status.rank() < 0 || rep.Status == StatusPending {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, rep.Status)
	}
	rec, ok := d.lookup(rep.CommandID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, rep.CommandID)
	}

	now := d.cfg.Now()
	rec.mu.Lock()
	cur := rec.cmd.Status
	if cur == StatusPending || cur.Terminal() || rep.Status.rank() <= cur.rank() {
		rec.mu.Unlock()
		d.logger.Debug("Discarded stale report", zap.String("command_id", rep.CommandID),
			zap.String("status", string(rep.Status)), zap.String("current", string(cur)))
		return nil
	}

	if !rep.Status.Terminal() {
		d.transitionLocked(rec, rep.Status, "", now)
		d.armTimerLocked(rec)
		snap := rec.cmd.clone()
		rec.mu.Unlock()
		d.record(ctx, snap)
		return nil
	}

	snap := d.finishLocked(rec, rep.Status, rep.ExitCode, rep.LogRef, "", now)
	rec.mu.Unlock()
	if key, ok := snap.AgentKey(); ok {
		d.agents.Release(key, snap.ID)
	}
	d.afterTerminal(ctx, snap)
	return nil
}

// Cancel stops a command. PENDING commands fail immediately with reason
// "cancelled". Dispatched commands get a best-effort cancel request; their
// final state arrives through the normal report or timeout path.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	rec, ok := d.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}

	rec.mu.Lock()
	switch {
	case rec.cmd.Status.Terminal():
		rec.mu.Unlock()
		return ErrNotCancellable
	case rec.cmd.Status == StatusPending:
		snap := d.finishLocked(rec, StatusFailure, nil, "", ErrCancelled.Error(), d.cfg.Now())
		rec.mu.Unlock()
		d.queueFor(snap.Zone).remove(rec)
		d.afterTerminal(ctx, snap)
		return nil
	}
	key, _ := rec.cmd.AgentKey()
	rec.mu.Unlock()

	if err := d.transport.Cancel(ctx, key, id); err != nil {
		d.logger.Warn("Cancel request failed", zap.String("command_id", id), zap.String("agent", key.Path()), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) onAgentEvent(ev agent.Event) {
	if !ev.To.Unreachable() || ev.CommandID == "" {
		return
	}
	rec, ok := d.lookup(ev.CommandID)
	if !ok {
		return
	}
	rec.mu.Lock()
	if (rec.cmd.Status != StatusSent && rec.cmd.Status != StatusRunning) ||
		rec.cmd.Zone != ev.Key.Zone || rec.cmd.Agent != ev.Key.Name {
		rec.mu.Unlock()
		return
	}
	snap := d.finishLocked(rec, StatusTimeout, nil, "", "agent lost: "+ev.Reason, d.cfg.Now())
	rec.mu.Unlock()

	d.metrics.AgentTimeout(snap.Zone)
	d.logger.Warn("Agent lost during command", zap.String("command_id", snap.ID), zap.String("agent", ev.Key.Path()))
	d.afterTerminal(d.ctx, snap)
}

func (d *Dispatcher) onTimeout(rec *record, gen uint64) {
	rec.mu.Lock()
	if rec.timerGen != gen || (rec.cmd.Status != StatusSent && rec.cmd.Status != StatusRunning) {
		rec.mu.Unlock()
		return
	}
	snap := d.finishLocked(rec, StatusTimeout, nil, "", ErrTimeout.Error(), d.cfg.Now())
	rec.mu.Unlock()

	if key, ok := snap.AgentKey(); ok {
		d.agents.MarkOffline(key, "command timeout")
	}
	d.metrics.AgentTimeout(snap.Zone)
	d.logger.Warn("Command timed out", zap.String("command_id", snap.ID), zap.String("agent", snap.Agent))
	d.afterTerminal(d.ctx, snap)
}

// transitionLocked appends a transition and notifies watchers.
func (d *Dispatcher) transitionLocked(rec *record, to Status, reason string, now time.Time) {
	rec.cmd.Status = to
	rec.cmd.UpdatedAt = now
	if reason != "" {
		rec.cmd.Reason = reason
	}
	rec.cmd.History = append(rec.cmd.History, Transition{Status: to, At: now, Reason: reason})
	snap := rec.cmd.clone()
	for _, ch := range rec.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// finishLocked moves the record to a terminal status, closes watchers and
// returns the final snapshot.
func (d *Dispatcher) finishLocked(rec *record, to Status, exitCode *int, logRef, reason string, now time.Time) Command {
	d.stopTimerLocked(rec)
	if exitCode != nil {
		code := *exitCode
		rec.cmd.ExitCode = &code
	}
	if logRef != "" {
		rec.cmd.LogRef = logRef
	}
	d.transitionLocked(rec, to, reason, now)
	for _, ch := range rec.watchers {
		close(ch)
	}
	rec.watchers = nil
	close(rec.done)
	return rec.cmd.clone()
}

func (d *Dispatcher) armTimerLocked(rec *record) {
	d.stopTimerLocked(rec)
	rec.timerGen++
	gen := rec.timerGen
	rec.timer = time.AfterFunc(d.cfg.ResponseTimeout, func() { d.onTimeout(rec, gen) })
}

func (d *Dispatcher) stopTimerLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.timerGen++
}

func (d *Dispatcher) afterTerminal(ctx context.Context, snap Command) {
	d.wakeZone(snap.Zone)
	d.metrics.CommandCompleted(snap.Zone, snap.Status)
	d.logger.Info("Command finished", zap.String("command_id", snap.ID), zap.String("status", string(snap.Status)),
		zap.String("reason", snap.Reason))
	d.record(ctx, snap)

	id := snap.ID
	time.AfterFunc(d.cfg.Retention, func() {
		d.mu.Lock()
		delete(d.records, id)
		d.mu.Unlock()
	})
}

func (d *Dispatcher) record(ctx context.Context, snap Command) {
	if d.recorder == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := d.recorder.RecordCommand(ctx, snap); err != nil {
		d.logger.Warn("Failed to record command", zap.String("command_id", snap.ID), zap.Error(err))
	}
}

// Get returns a snapshot of a tracked command.
func (d *Dispatcher) Get(id string) (Command, error) {
	rec, ok := d.lookup(id)
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cmd.clone(), nil
}

// List returns tracked commands matching filter, oldest first.
func (d *Dispatcher) List(filter Filter) []Command {
	d.mu.RLock()
	recs := make([]*record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	d.mu.RUnlock()

	out := make([]Command, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if filter.matches(rec.cmd) {
			out = append(out, rec.cmd.clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Watch returns a channel that first yields the current snapshot and then
// later ones. Intermediate snapshots may be coalesced when the reader lags;
// the terminal snapshot is always delivered, after which the channel closes.
func (d *Dispatcher) Watch(id string) (<-chan Command, error) {
	rec, ok := d.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	ch := make(chan Command, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	ch <- rec.cmd.clone()
	if rec.cmd.Status.Terminal() {
		close(ch)
		return ch, nil
	}
	rec.watchers = append(rec.watchers, ch)
	return ch, nil
}

// Wait blocks until the command is terminal or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, id string) (Command, error) {
	rec, ok := d.lookup(id)
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cmd.clone(), nil
}

// QueueLength returns the number of PENDING commands queued for a zone.
func (d *Dispatcher) QueueLength(zoneName string) int {
	d.mu.RLock()
	q, ok := d.queues[zoneName]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
