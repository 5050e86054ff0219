package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/zone"
)

type stubZones struct {
	reg   *agent.Registry
	known map[string]bool
}

func (z *stubZones) CheckZone(name string) error {
	if !z.known[name] {
		return fmt.Errorf("%w: %s", zone.ErrZoneNotFound, name)
	}
	return nil
}

func (z *stubZones) AcquireAgent(name, commandID string) (agent.Agent, error) {
	a, err := z.reg.Acquire(name, commandID)
	if errors.Is(err, agent.ErrNoIdleAgent) {
		return agent.Agent{}, zone.ErrNoAvailableAgent
	}
	return a, err
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []Dispatch
	cancelled []string
	fail      func(key agent.Key, msg Dispatch) error
}

func (f *fakeTransport) Dispatch(ctx context.Context, key agent.Key, msg Dispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(key, msg); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Cancel(ctx context.Context, key agent.Key, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, commandID)
	return nil
}

func (f *fakeTransport) Sent() []Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Dispatch(nil), f.sent...)
}

type memRecorder struct {
	mu   sync.Mutex
	last map[string]Command
}

func (r *memRecorder) RecordCommand(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]Command)
	}
	r.last[cmd.ID] = cmd
	return nil
}

type harness struct {
	reg       *agent.Registry
	transport *fakeTransport
	recorder  *memRecorder
	d         *Dispatcher
}

func buildHarness(cfg Config, agents ...string) (*harness, error) {
	h := &harness{
		reg:       agent.New(agent.Config{}),
		transport: &fakeTransport{},
		recorder:  &memRecorder{},
	}
	if err := h.reg.OnMembershipChanged("z1", agents); err != nil {
		h.reg.Close()
		return nil, err
	}
	zones := &stubZones{reg: h.reg, known: map[string]bool{"z1": true}}
	h.d = New(cfg, zones, h.reg, h.transport, WithRecorder(h.recorder))
	return h, nil
}

func newHarness(t *testing.T, cfg Config, agents ...string) *harness {
	t.Helper()
	h, err := buildHarness(cfg, agents...)
	require.NoError(t, err)
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.d.Stop()
	h.reg.Close()
}

func (h *harness) agentStatus(t *testing.T, name string) agent.Status {
	t.Helper()
	a, ok := h.reg.Get(agent.Key{Zone: "z1", Name: name})
	require.True(t, ok)
	return a.Status
}

func statuses(c Command) []Status {
	out := make([]Status, 0, len(c.History))
	for _, tr := range c.History {
		out = append(out, tr.Status)
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestSubmitUnknownZone(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.d.Submit(context.Background(), "nope", Payload{Script: "true"})
	assert.ErrorIs(t, err, zone.ErrZoneNotFound)
}

func TestDispatchFIFO(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.d.Submit(ctx, "z1", Payload{Script: fmt.Sprintf("echo %d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 3, h.d.QueueLength("z1"))

	for i, id := range ids {
		h.d.DispatchOnce(ctx, "z1")
		sent := h.transport.Sent()
		require.Len(t, sent, i+1)
		assert.Equal(t, id, sent[i].CommandID)
		assert.Equal(t, "a1", sent[i].Agent)

		// Only one agent: the rest stay queued.
		assert.Equal(t, len(ids)-i-1, h.d.QueueLength("z1"))
		require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSuccess, ExitCode: intPtr(0)}))
	}
}

func TestCommandRoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "make test", Env: map[string]string{"CI": "1"}})
	require.NoError(t, err)
	h.d.DispatchOnce(ctx, "z1")

	cmd, err := h.d.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, cmd.Status)
	assert.Equal(t, "a1", cmd.Agent)
	assert.Equal(t, agent.StatusBusy, h.agentStatus(t, "a1"))

	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusRunning}))
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSuccess, ExitCode: intPtr(0), LogRef: "file:///logs/" + id}))

	cmd, err = h.d.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, cmd.Status)
	require.NotNil(t, cmd.ExitCode)
	assert.Equal(t, 0, *cmd.ExitCode)
	assert.Equal(t, "file:///logs/"+id, cmd.LogRef)
	assert.Equal(t, []Status{StatusPending, StatusSent, StatusRunning, StatusSuccess}, statuses(cmd))
	assert.Equal(t, agent.StatusIdle, h.agentStatus(t, "a1"))

	recorded := h.recorder.last[id]
	assert.Equal(t, StatusSuccess, recorded.Status)
	assert.Len(t, recorded.History, 4)
}

func TestReportsAreMonotonic(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
	require.NoError(t, err)

	// Not dispatched yet: discarded.
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusRunning}))
	cmd, _ := h.d.Get(id)
	assert.Equal(t, StatusPending, cmd.Status)

	h.d.DispatchOnce(ctx, "z1")
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusRunning}))
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSent}))
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusRunning}))
	cmd, _ = h.d.Get(id)
	assert.Equal(t, StatusRunning, cmd.Status)
	assert.Equal(t, []Status{StatusPending, StatusSent, StatusRunning}, statuses(cmd))

	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusFailure, ExitCode: intPtr(2)}))
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSuccess, ExitCode: intPtr(0)}))
	cmd, _ = h.d.Get(id)
	assert.Equal(t, StatusFailure, cmd.Status)
	assert.Equal(t, 2, *cmd.ExitCode)

	assert.ErrorIs(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusPending}), ErrInvalidStatus)
	assert.ErrorIs(t, h.d.OnAgentReport(ctx, Report{CommandID: "missing", Status: StatusRunning}), ErrUnknownCommand)
}

func TestResponseTimeout(t *testing.T) {
	h := newHarness(t, Config{ResponseTimeout: 50 * time.Millisecond}, "a1")
	ctx := context.Background()

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "sleep 100"})
	require.NoError(t, err)
	h.d.DispatchOnce(ctx, "z1")

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd, err := h.d.Wait(wctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, cmd.Status)
	assert.Equal(t, ErrTimeout.Error(), cmd.Reason)
	require.Eventually(t, func() bool {
		return h.agentStatus(t, "a1") == agent.StatusOffline
	}, time.Second, 5*time.Millisecond)

	// Late reports are discarded.
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSuccess}))
	cmd, _ = h.d.Get(id)
	assert.Equal(t, StatusTimeout, cmd.Status)
}

func TestReportRestartsResponseTimer(t *testing.T) {
	h := newHarness(t, Config{ResponseTimeout: 300 * time.Millisecond}, "a1")
	ctx := context.Background()

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
	require.NoError(t, err)
	h.d.DispatchOnce(ctx, "z1")

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusRunning}))
	time.Sleep(200 * time.Millisecond)

	cmd, _ := h.d.Get(id)
	assert.Equal(t, StatusRunning, cmd.Status)
}

func TestTransmitFailureRequeues(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()
	h.transport.fail = func(key agent.Key, msg Dispatch) error {
		if key.Name == "a1" {
			return errors.New("connection refused")
		}
		return nil
	}

	first, err := h.d.Submit(ctx, "z1", Payload{Script: "one"})
	require.NoError(t, err)
	second, err := h.d.Submit(ctx, "z1", Payload{Script: "two"})
	require.NoError(t, err)

	h.d.DispatchOnce(ctx, "z1")
	cmd, _ := h.d.Get(first)
	assert.Equal(t, StatusPending, cmd.Status)
	assert.Empty(t, cmd.Agent)
	assert.Equal(t, []Status{StatusPending, StatusSent, StatusPending}, statuses(cmd))
	assert.Equal(t, 2, h.d.QueueLength("z1"))
	assert.Equal(t, agent.StatusOffline, h.agentStatus(t, "a1"))

	require.NoError(t, h.reg.OnMembershipChanged("z1", []string{"a1", "a2"}))
	h.d.DispatchOnce(ctx, "z1")
	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, first, sent[0].CommandID)
	assert.Equal(t, "a2", sent[0].Agent)

	cmd, _ = h.d.Get(second)
	assert.Equal(t, StatusPending, cmd.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()

	running, err := h.d.Submit(ctx, "z1", Payload{Script: "one"})
	require.NoError(t, err)
	queued, err := h.d.Submit(ctx, "z1", Payload{Script: "two"})
	require.NoError(t, err)
	h.d.DispatchOnce(ctx, "z1")

	require.NoError(t, h.d.Cancel(ctx, queued))
	cmd, _ := h.d.Get(queued)
	assert.Equal(t, StatusFailure, cmd.Status)
	assert.Equal(t, "cancelled", cmd.Reason)
	assert.Equal(t, 0, h.d.QueueLength("z1"))
	assert.ErrorIs(t, h.d.Cancel(ctx, queued), ErrNotCancellable)

	require.NoError(t, h.d.Cancel(ctx, running))
	cmd, _ = h.d.Get(running)
	assert.Equal(t, StatusSent, cmd.Status)
	assert.Equal(t, []string{running}, h.transport.cancelled)

	assert.ErrorIs(t, h.d.Cancel(ctx, "missing"), ErrUnknownCommand)
}

func TestSubmitDeadline(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, Config{SubmitDeadline: time.Minute, Now: clock})
	ctx := context.Background()

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
	require.NoError(t, err)
	h.d.DispatchOnce(ctx, "z1")
	cmd, _ := h.d.Get(id)
	assert.Equal(t, StatusPending, cmd.Status)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	h.d.DispatchOnce(ctx, "z1")

	cmd, _ = h.d.Get(id)
	assert.Equal(t, StatusFailure, cmd.Status)
	assert.Equal(t, zone.ErrNoAvailableAgent.Error(), cmd.Reason)
	assert.Equal(t, 0, h.d.QueueLength("z1"))
}

func TestAgentLostTimesOutCommand(t *testing.T) {
	h := newHarness(t, Config{DispatchInterval: 10 * time.Millisecond}, "a1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.Start(ctx)

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cmd, _ := h.d.Get(id)
		return cmd.Status == StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.reg.OnMembershipChanged("z1", nil))

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	cmd, err := h.d.Wait(wctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, cmd.Status)
	assert.Equal(t, "agent lost: presence lost", cmd.Reason)
}

func TestStartedLoopDispatches(t *testing.T) {
	h := newHarness(t, Config{DispatchInterval: 10 * time.Millisecond}, "a1", "a2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.Start(ctx)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Agents finish whatever they are sent until every command is done.
	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := map[string]bool{}
		for len(seen) < len(ids) {
			for _, msg := range h.transport.Sent() {
				if seen[msg.CommandID] {
					continue
				}
				seen[msg.CommandID] = true
				_ = h.d.OnAgentReport(ctx, Report{CommandID: msg.CommandID, Status: StatusSuccess, ExitCode: intPtr(0)})
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("commands were not all dispatched")
	}
	for _, id := range ids {
		cmd, err := h.d.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, cmd.Status)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	h := newHarness(t, Config{SubmitDeadline: 50 * time.Millisecond}, "a1")
	ctx := context.Background()
	h.d.Start(ctx)
	h.d.Stop()

	_, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, h.d.List(Filter{}))
	assert.Zero(t, h.d.QueueLength("z1"))
	assert.Equal(t, agent.StatusIdle, h.agentStatus(t, "a1"))
}

func TestTimeoutIsolatedPerZone(t *testing.T) {
	const responseTimeout = 500 * time.Millisecond

	reg := agent.New(agent.Config{})
	t.Cleanup(reg.Close)
	require.NoError(t, reg.OnMembershipChanged("z1", []string{"a1"}))
	require.NoError(t, reg.OnMembershipChanged("z2", []string{"b1"}))
	zones := &stubZones{reg: reg, known: map[string]bool{"z1": true, "z2": true}}
	d := New(Config{DispatchInterval: 10 * time.Millisecond, ResponseTimeout: responseTimeout}, zones, reg, &fakeTransport{})
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	statusOf := func(id string) Status {
		cmd, _ := d.Get(id)
		return cmd.Status
	}

	// a1 never reports.
	silent, err := d.Submit(ctx, "z1", Payload{Script: "sleep 600"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statusOf(silent) == StatusSent }, time.Second, time.Millisecond)
	sentAt := time.Now()

	for i := 0; i < 2; i++ {
		id, err := d.Submit(ctx, "z2", Payload{Script: "true"})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return statusOf(id) == StatusSent }, responseTimeout/4, time.Millisecond)
		require.NoError(t, d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSuccess, ExitCode: intPtr(0)}))
		assert.Equal(t, StatusSuccess, statusOf(id))
	}
	assert.Equal(t, StatusSent, statusOf(silent), "z2 finished before z1 timed out")

	wctx, wcancel := context.WithTimeout(ctx, responseTimeout+time.Second)
	defer wcancel()
	cmd, err := d.Wait(wctx, silent)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, cmd.Status)
	assert.Less(t, time.Since(sentAt), responseTimeout+300*time.Millisecond)

	require.Eventually(t, func() bool {
		a, ok := reg.Get(agent.Key{Zone: "z1", Name: "a1"})
		return ok && a.Status == agent.StatusOffline
	}, time.Second, 5*time.Millisecond)
	b, ok := reg.Get(agent.Key{Zone: "z2", Name: "b1"})
	require.True(t, ok)
	assert.Equal(t, agent.StatusIdle, b.Status)
}

func TestWatch(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()

	id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
	require.NoError(t, err)
	ch, err := h.d.Watch(id)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, StatusPending, first.Status)

	h.d.DispatchOnce(ctx, "z1")
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusRunning}))
	require.NoError(t, h.d.OnAgentReport(ctx, Report{CommandID: id, Status: StatusSuccess}))

	var last Command
	for c := range ch {
		last = c
	}
	assert.Equal(t, StatusSuccess, last.Status)

	// Watching a terminal command yields one snapshot and closes.
	ch, err = h.d.Watch(id)
	require.NoError(t, err)
	got, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, got.Status)
	_, ok = <-ch
	assert.False(t, ok)

	_, err = h.d.Watch("missing")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestWaitHonoursContext(t *testing.T) {
	h := newHarness(t, Config{})
	id, err := h.d.Submit(context.Background(), "z1", Payload{Script: "true"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.d.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestList(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	ctx := context.Background()
	a, _ := h.d.Submit(ctx, "z1", Payload{Script: "a"})
	b, _ := h.d.Submit(ctx, "z1", Payload{Script: "b"})
	h.d.DispatchOnce(ctx, "z1")

	all := h.d.List(Filter{Zone: "z1"})
	require.Len(t, all, 2)

	sent := h.d.List(Filter{Status: StatusSent})
	require.Len(t, sent, 1)
	assert.Equal(t, a, sent[0].ID)

	pending := h.d.List(Filter{Status: StatusPending})
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].ID)

	assert.Empty(t, h.d.List(Filter{Zone: "other"}))
}

func TestNoAgentHoldsTwoCommands(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := []string{"a1", "a2", "a3"}
		agents := names[:rapid.IntRange(1, len(names)).Draw(rt, "agents")]
		h, err := buildHarness(Config{}, agents...)
		if err != nil {
			rt.Fatalf("harness: %v", err)
		}
		defer h.close()
		ctx := context.Background()

		var ids []string
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				id, err := h.d.Submit(ctx, "z1", Payload{Script: "true"})
				if err != nil {
					rt.Fatalf("submit: %v", err)
				}
				ids = append(ids, id)
			case 1:
				h.d.DispatchOnce(ctx, "z1")
			case 2:
				if len(ids) == 0 {
					continue
				}
				id := rapid.SampledFrom(ids).Draw(rt, "report")
				st := rapid.SampledFrom([]Status{StatusRunning, StatusSuccess, StatusFailure}).Draw(rt, "status")
				_ = h.d.OnAgentReport(ctx, Report{CommandID: id, Status: st})
			case 3:
				if len(ids) == 0 {
					continue
				}
				_ = h.d.Cancel(ctx, rapid.SampledFrom(ids).Draw(rt, "cancel"))
			}

			holders := map[string]string{}
			for _, c := range h.d.List(Filter{}) {
				if c.Status != StatusSent && c.Status != StatusRunning {
					continue
				}
				if other, ok := holders[c.Agent]; ok {
					rt.Fatalf("agent %s holds %s and %s", c.Agent, other, c.ID)
				}
				holders[c.Agent] = c.ID
				a, ok := h.reg.Get(agent.Key{Zone: "z1", Name: c.Agent})
				if !ok || a.Status != agent.StatusBusy || a.CommandID != c.ID {
					rt.Fatalf("agent %s not busy with %s: %+v", c.Agent, c.ID, a)
				}
			}
		}
	})
}
