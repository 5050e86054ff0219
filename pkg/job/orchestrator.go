package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/command"
)

// stopCancelTimeout bounds the cancel sent for an in-flight command on Stop.
const stopCancelTimeout = 5 * time.Second

// Dispatcher is the command surface the orchestrator drives. Implemented by
// *command.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, zone string, payload command.Payload) (string, error)
	Watch(id string) (<-chan command.Command, error)
	Cancel(ctx context.Context, id string) error
}

// Recorder persists job snapshots.
type Recorder interface {
	RecordJob(ctx context.Context, j Job) error
}

// Config configures an Orchestrator.
type Config struct {
	// DefaultZone applies to steps whose definition and run options name no zone.
	DefaultZone string

	// Retention is how long finished jobs stay in memory. Zero keeps them.
	Retention time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

// RunOptions parameterize one run.
type RunOptions struct {
	// Zone is used by steps whose definition names none.
	Zone string

	// Env is the base environment below the flow's own Env.
	Env map[string]string
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithRecorder persists every job change.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator runs jobs. Each job is owned by one goroutine; readers see
// snapshots published after every change.
type Orchestrator struct {
	cfg      Config
	disp     Dispatcher
	recorder Recorder
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	mu   sync.RWMutex
	snap Job

	cancelOnce sync.Once
	cancelReq  chan struct{}
	cancelAck  chan struct{}
	done       chan struct{}
}

// New creates an Orchestrator. Call Stop to end running jobs.
func New(cfg Config, disp Dispatcher, opts ...Option) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		disp:   disp,
		logger: cfg.Logger.Named("job"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stop abandons running jobs and waits for their goroutines.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Run validates flow and starts a job for it. The returned snapshot is the
// job before its first submission.
func (o *Orchestrator) Run(ctx context.Context, flow *Node, opts RunOptions) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.ctx.Err() != nil {
		return nil, ErrStopped
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	zone := opts.Zone
	if zone == "" {
		zone = o.cfg.DefaultZone
	}
	steps := plan(flow, zone, opts.Env)
	for _, st := range steps {
		if st.Zone == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoZone, st.Path)
		}
	}

	now := o.cfg.Now()
	r := &run{
		snap: Job{
			ID:        uuid.NewString(),
			Flow:      flow.Name,
			Status:    StatusPending,
			Steps:     steps,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancelReq: make(chan struct{}),
		cancelAck: make(chan struct{}),
		done:      make(chan struct{}),
	}
	snap := r.snap.clone()

	o.mu.Lock()
	o.runs[snap.ID] = r
	o.mu.Unlock()

	o.logger.Info("Job started", zap.String("job_id", snap.ID), zap.String("flow", snap.Flow), zap.Int("steps", len(steps)))
	o.record(snap)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drive(r, snap)
	}()
	return &snap, nil
}

// drive is the job's actor. It owns j; every change is published to r.snap.
func (o *Orchestrator) drive(r *run, j Job) {
	defer close(r.done)
	ackCancel := func() {
		for i := range j.Steps {
			if j.Steps[i].Status == StatusPending {
				o.skip(&j.Steps[i], "cancelled")
			}
		}
		j.Cancelled = true
		j.Reason = "cancelled"
		o.publish(r, &j)
		close(r.cancelAck)
	}
	cancelled := false

	for i := range j.Steps {
		if !cancelled {
			select {
			case <-r.cancelReq:
				cancelled = true
				ackCancel()
			default:
			}
		}
		if cancelled {
			break
		}
		if o.ctx.Err() != nil {
			o.abandon(r, &j, i)
			return
		}

		cancelled = o.runStep(r, &j, i, cancelled, ackCancel)

		st := j.Steps[i]
		if st.Status.Failed() {
			if st.AllowFailure {
				j.Warnings = append(j.Warnings, st.Path)
			} else {
				j.FailedStep = st.Path
				for k := i + 1; k < len(j.Steps); k++ {
					o.skip(&j.Steps[k], "skipped after failure of "+st.Path)
				}
				o.publish(r, &j)
				break
			}
		}
		o.publish(r, &j)
	}

	if !cancelled {
		// A cancel that races the last step still needs its ack.
		r.cancelOnce.Do(func() { close(r.cancelReq) })
		close(r.cancelAck)
	}
	o.finish(r, &j)
}

// runStep submits the step's command and follows it to a terminal state,
// resubmitting after TIMEOUT while retries remain. It returns whether the
// job was cancelled meanwhile.
func (o *Orchestrator) runStep(r *run, j *Job, i int, cancelled bool, ackCancel func()) bool {
	st := &j.Steps[i]
	for {
		id, err := o.disp.Submit(o.ctx, st.Zone, st.Payload)
		now := o.cfg.Now()
		if err != nil {
			st.Status = StatusFailure
			st.Reason = "submit: " + err.Error()
			st.FinishedAt = now
			o.logger.Warn("Step submit failed", zap.String("job_id", j.ID), zap.String("step", st.Path), zap.Error(err))
			return cancelled
		}
		st.Attempts++
		st.CommandID = id
		st.CommandStatus = command.StatusPending
		st.Status = StatusSent
		st.ExitCode = nil
		st.Reason = ""
		if st.StartedAt.IsZero() {
			st.StartedAt = now
		}
		o.publish(r, j)

		final, err := o.follow(r, j, st, &cancelled, ackCancel)
		if err != nil {
			st.Status = StatusFailure
			st.Reason = err.Error()
			st.FinishedAt = o.cfg.Now()
			st.Duration = st.FinishedAt.Sub(st.StartedAt)
			return cancelled
		}

		st.CommandStatus = final.Status
		st.ExitCode = final.ExitCode
		st.Reason = final.Reason
		if final.LogRef != "" {
			st.LogRefs = append(st.LogRefs, final.LogRef)
		}
		st.FinishedAt = o.cfg.Now()
		st.Duration = st.FinishedAt.Sub(st.StartedAt)

		switch {
		case cancelled:
			st.Status = StatusSkipped
			if st.Reason == "" {
				st.Reason = "cancelled"
			}
		case final.Status == command.StatusTimeout && st.Attempts <= st.Retry:
			o.logger.Info("Retrying step after timeout", zap.String("job_id", j.ID), zap.String("step", st.Path),
				zap.Int("attempt", st.Attempts))
			continue
		default:
			st.Status = Status(final.Status)
		}
		o.logger.Info("Step finished", zap.String("job_id", j.ID), zap.String("step", st.Path),
			zap.String("status", string(st.Status)), zap.String("command_id", st.CommandID))
		return cancelled
	}
}

// follow waits for the step's command to become terminal, mirroring RUNNING
// onto the step. A cancel request is forwarded to the dispatcher and the
// command is still followed to its end.
func (o *Orchestrator) follow(r *run, j *Job, st *Step, cancelled *bool, ackCancel func()) (command.Command, error) {
	updates, err := o.disp.Watch(st.CommandID)
	if err != nil {
		return command.Command{}, fmt.Errorf("watch command %s: %w", st.CommandID, err)
	}
	cancelReq := r.cancelReq
	if *cancelled {
		cancelReq = nil
	}
	var last command.Command
	for {
		select {
		case c, ok := <-updates:
			if !ok {
				if last.Status.Terminal() {
					return last, nil
				}
				return command.Command{}, fmt.Errorf("command %s: watch closed before completion", st.CommandID)
			}
			last = c
			st.CommandStatus = c.Status
			if c.Status == command.StatusRunning && st.Status == StatusSent {
				st.Status = StatusRunning
				o.publish(r, j)
			}
			if c.Status.Terminal() {
				return c, nil
			}
		case <-cancelReq:
			cancelReq = nil
			*cancelled = true
			ackCancel()
			if err := o.disp.Cancel(o.ctx, st.CommandID); err != nil && !errors.Is(err, command.ErrNotCancellable) {
				o.logger.Warn("Cancel request failed", zap.String("job_id", j.ID), zap.String("command_id", st.CommandID), zap.Error(err))
			}
		case <-o.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), stopCancelTimeout)
			err := o.disp.Cancel(ctx, st.CommandID)
			cancel()
			if err != nil && !errors.Is(err, command.ErrNotCancellable) {
				o.logger.Warn("Cancel on stop failed", zap.String("job_id", j.ID), zap.String("command_id", st.CommandID), zap.Error(err))
			}
			return command.Command{}, ErrStopped
		}
	}
}

func (o *Orchestrator) skip(st *Step, reason string) {
	st.Status = StatusSkipped
	st.Reason = reason
	st.FinishedAt = o.cfg.Now()
}

// abandon skips steps from index i on after Stop.
func (o *Orchestrator) abandon(r *run, j *Job, i int) {
	for k := i; k < len(j.Steps); k++ {
		if !j.Steps[k].Status.Terminal() {
			o.skip(&j.Steps[k], ErrStopped.Error())
		}
	}
	j.Cancelled = true
	j.Reason = ErrStopped.Error()
	o.finish(r, j)
}

func (o *Orchestrator) finish(r *run, j *Job) {
	j.FinishedAt = o.cfg.Now()
	o.publish(r, j)
	snap := r.snapshot()
	o.logger.Info("Job finished", zap.String("job_id", snap.ID), zap.String("outcome", snap.Outcome()),
		zap.String("failed_step", snap.FailedStep), zap.Strings("warnings", snap.Warnings))

	if o.cfg.Retention > 0 {
		id := snap.ID
		time.AfterFunc(o.cfg.Retention, func() {
			o.mu.Lock()
			delete(o.runs, id)
			o.mu.Unlock()
		})
	}
}

// publish recomputes the aggregate and makes j visible to readers.
func (o *Orchestrator) publish(r *run, j *Job) {
	j.Status = aggregate(j.Steps, j.Cancelled)
	j.UpdatedAt = o.cfg.Now()
	if !j.Terminal() {
		j.FinishedAt = time.Time{}
	}
	snap := j.clone()
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	o.record(snap)
}

func (o *Orchestrator) record(j Job) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordJob(context.Background(), j); err != nil {
		o.logger.Warn("Failed to record job", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (r *run) snapshot() Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.clone()
}

func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return r, nil
}

// Get returns a snapshot of a job.
func (o *Orchestrator) Get(id string) (Job, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return r.snapshot(), nil
}

// List returns jobs matching filter, oldest first.
func (o *Orchestrator) List(filter Filter) []Job {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()

	out := make([]Job, 0, len(runs))
	for _, r := range runs {
		if snap := r.snapshot(); filter.matches(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Wait blocks until the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Job, error) {
	r, err := o.lookup(id)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Cancel skips the job's pending steps at once and asks the dispatcher to
// cancel the in-flight command. That step becomes SKIPPED when its command
// finishes.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	r, err := o.lookup(id)
	if err != nil {
		return err
	}
	if r.snapshot().Terminal() {
		return ErrJobFinished
	}
	r.cancelOnce.Do(func() { close(r.cancelReq) })
	select {
	case <-r.cancelAck:
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if snap := r.snapshot(); snap.Terminal() && !snap.Cancelled {
		return ErrJobFinished
	}
	o.logger.Info("Job cancelled", zap.String("job_id", id))
	return nil
}
