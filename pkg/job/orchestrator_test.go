package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/zone"
)

func newOrchestrator(t *testing.T, disp Dispatcher, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(Config{}, disp, opts...)
	t.Cleanup(o.Stop)
	return o
}

func runAndWait(t *testing.T, o *Orchestrator, root *Node) Job {
	t.Helper()
	j, err := o.Run(context.Background(), root, RunOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := o.Wait(ctx, j.ID)
	require.NoError(t, err)
	return done
}

func TestRoundTripSuccess(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	j := runAndWait(t, o, flow(step("build", "make")))
	assert.Equal(t, StatusSuccess, j.Status)
	assert.Equal(t, "SUCCESS", j.Outcome())
	assert.False(t, j.FinishedAt.IsZero())

	st := j.Steps[0]
	assert.Equal(t, StatusSuccess, st.Status)
	assert.Equal(t, command.StatusSuccess, st.CommandStatus)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	require.Len(t, st.LogRefs, 1)
	assert.Equal(t, "file:///logs/"+st.CommandID+".log", st.LogRefs[0])
	assert.Equal(t, 1, st.Attempts)
}

func TestFailurePropagation(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	j := runAndWait(t, o, flow(step("a", "fail"), step("b", "make")))
	assert.Equal(t, StatusFailure, j.Status)
	assert.Equal(t, "flow/a", j.FailedStep)
	assert.Equal(t, StatusFailure, j.Steps[0].Status)
	require.NotNil(t, j.Steps[0].ExitCode)
	assert.Equal(t, 1, *j.Steps[0].ExitCode)
	assert.Equal(t, StatusSkipped, j.Steps[1].Status)
	assert.Empty(t, j.Steps[1].CommandID)
	assert.Equal(t, []string{"fail"}, disp.scripts(), "no command is submitted for skipped steps")
}

func TestFailureTolerance(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	a := step("a", "fail")
	a.AllowFailure = true
	j := runAndWait(t, o, flow(a, step("b", "make")))

	assert.Equal(t, StatusSuccess, j.Status)
	assert.Equal(t, OutcomeSuccessWithWarnings, j.Outcome())
	assert.Equal(t, []string{"flow/a"}, j.Warnings)
	assert.Empty(t, j.FailedStep)
	assert.Equal(t, StatusFailure, j.Steps[0].Status)
	assert.Equal(t, StatusSuccess, j.Steps[1].Status)
	assert.Equal(t, []string{"fail", "make"}, disp.scripts())
}

func TestTimeoutIsDistinct(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	j := runAndWait(t, o, flow(step("a", "timeout"), step("b", "make")))
	assert.Equal(t, StatusFailure, j.Status)
	assert.Equal(t, StatusTimeout, j.Steps[0].Status)
	assert.Equal(t, command.StatusTimeout, j.Steps[0].CommandStatus)
	assert.Nil(t, j.Steps[0].ExitCode)
	assert.Equal(t, command.ErrTimeout.Error(), j.Steps[0].Reason)
	assert.Equal(t, StatusSkipped, j.Steps[1].Status)
}

func TestRetryAfterTimeout(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	a := step("a", "timeout-once")
	a.Retry = 2
	j := runAndWait(t, o, flow(a))

	assert.Equal(t, StatusSuccess, j.Status)
	st := j.Steps[0]
	assert.Equal(t, 2, st.Attempts)
	assert.Len(t, st.LogRefs, 2)
	assert.Equal(t, "cmd-2", st.CommandID, "retry uses a fresh command")
}

func TestRetryExhausted(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	a := step("a", "timeout")
	a.Retry = 1
	j := runAndWait(t, o, flow(a))
	assert.Equal(t, StatusTimeout, j.Steps[0].Status)
	assert.Equal(t, 2, j.Steps[0].Attempts)
	assert.Equal(t, []string{"timeout", "timeout"}, disp.scripts())
}

func TestFailureIsNotRetried(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	a := step("a", "fail")
	a.Retry = 3
	j := runAndWait(t, o, flow(a))
	assert.Equal(t, 1, j.Steps[0].Attempts)
}

func TestSubmitErrorFailsStep(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := newOrchestrator(t, disp)

	root := flow(&Node{Kind: KindJob, Name: "other", Zone: "nope", Children: []*Node{step("a", "make")}}, step("b", "make"))
	j := runAndWait(t, o, root)
	assert.Equal(t, StatusFailure, j.Status)
	assert.Equal(t, "flow/other/a", j.FailedStep)
	assert.Contains(t, j.Steps[0].Reason, zone.ErrZoneNotFound.Error())
	assert.Equal(t, StatusSkipped, j.Steps[1].Status)
}

func TestRunRejectsInvalid(t *testing.T) {
	o := newOrchestrator(t, newFakeDispatcher())

	_, err := o.Run(context.Background(), &Node{Kind: KindStep, Name: "x", Script: "y"}, RunOptions{})
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = o.Run(context.Background(), &Node{Kind: KindFlow, Name: "f", Children: []*Node{step("a", "make")}}, RunOptions{})
	assert.ErrorIs(t, err, ErrNoZone)

	j, err := o.Run(context.Background(), &Node{Kind: KindFlow, Name: "f", Children: []*Node{step("a", "make")}}, RunOptions{Zone: "z9"})
	require.NoError(t, err)
	assert.Equal(t, "z9", j.Steps[0].Zone)
}

func TestCancel(t *testing.T) {
	disp := newFakeDispatcher("z1")
	rec := &memRecorder{}
	o := newOrchestrator(t, disp, WithRecorder(rec))
	ctx := context.Background()

	j, err := o.Run(ctx, flow(step("a", "hang"), step("b", "make"), step("c", "make")), RunOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := o.Get(j.ID)
		return got.Steps[0].Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(ctx, j.ID))

	done, err := o.Wait(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, done.Status)
	assert.True(t, done.Cancelled)
	assert.Equal(t, "cancelled", done.Reason)
	for _, st := range done.Steps {
		assert.Equal(t, StatusSkipped, st.Status, st.Path)
	}
	assert.Equal(t, command.StatusFailure, done.Steps[0].CommandStatus, "in-flight step skips only after its command finished")
	assert.Equal(t, []string{"hang"}, disp.scripts())
	assert.Equal(t, 0, disp.hangingCount())

	last, ok := rec.last(j.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailure, last.Status)

	assert.ErrorIs(t, o.Cancel(ctx, j.ID), ErrJobFinished)
}

func TestGetListWait(t *testing.T) {
	o := newOrchestrator(t, newFakeDispatcher("z1"))

	_, err := o.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = o.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, o.Cancel(context.Background(), "missing"), ErrUnknownJob)

	ok := runAndWait(t, o, flow(step("a", "make")))
	bad := runAndWait(t, o, flow(step("a", "fail")))

	all := o.List(Filter{})
	require.Len(t, all, 2)
	failed := o.List(Filter{Status: StatusFailure})
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)
	assert.NotEqual(t, ok.ID, bad.ID)
}

func TestWaitHonoursContext(t *testing.T) {
	o := newOrchestrator(t, newFakeDispatcher("z1"))
	j, err := o.Run(context.Background(), flow(step("a", "hang")), RunOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.Wait(ctx, j.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStopAbandonsJobs(t *testing.T) {
	disp := newFakeDispatcher("z1")
	o := New(Config{}, disp)
	j, err := o.Run(context.Background(), flow(step("a", "hang"), step("b", "make")), RunOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.hangingCount() == 1 }, time.Second, time.Millisecond)

	o.Stop()
	// The in-flight command is cancelled instead of left to time out.
	assert.Zero(t, disp.hangingCount())
	got, err := o.Get(j.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	assert.Equal(t, StatusSkipped, got.Steps[1].Status)

	_, err = o.Run(context.Background(), flow(step("a", "make")), RunOptions{})
	assert.ErrorIs(t, err, ErrStopped)
}

// Outcome encoding for the aggregation property.
const (
	pass = iota
	fail
	tolerated
	toleratedPass
)

func TestAggregationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("job fails iff an intolerant step fails, later steps skip", prop.ForAll(
		func(outcomes []int) bool {
			if len(outcomes) == 0 {
				return true
			}
			children := make([]*Node, len(outcomes))
			for i, oc := range outcomes {
				script := "make"
				if oc == fail || oc == tolerated {
					script = "fail"
				}
				n := step(string(rune('a'+i)), script)
				n.AllowFailure = oc == tolerated || oc == toleratedPass
				children[i] = n
			}

			disp := newFakeDispatcher("z1")
			o := New(Config{}, disp)
			defer o.Stop()
			j, err := o.Run(context.Background(), flow(children...), RunOptions{})
			if err != nil {
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done, err := o.Wait(ctx, j.ID)
			if err != nil {
				return false
			}

			firstFatal := -1
			warnings := 0
			for i, oc := range outcomes {
				if oc == fail {
					firstFatal = i
					break
				}
				if oc == tolerated {
					warnings++
				}
			}
			if firstFatal >= 0 {
				if done.Status != StatusFailure || len(disp.scripts()) != firstFatal+1 {
					return false
				}
				for _, st := range done.Steps[firstFatal+1:] {
					if st.Status != StatusSkipped {
						return false
					}
				}
				return true
			}
			return done.Status == StatusSuccess &&
				len(done.Warnings) == warnings &&
				len(disp.scripts()) == len(outcomes)
		},
		gen.SliceOfN(6, gen.IntRange(pass, toleratedPass)),
	))

	properties.TestingRun(t)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		steps     []Step
		cancelled bool
		want      Status
	}{
		{"all pending", []Step{{Status: StatusPending}}, false, StatusPending},
		{"running", []Step{{Status: StatusSuccess}, {Status: StatusSent}}, false, StatusRunning},
		{"done", []Step{{Status: StatusSuccess}, {Status: StatusSuccess}}, false, StatusSuccess},
		{"tolerated", []Step{{Status: StatusFailure, AllowFailure: true}, {Status: StatusSuccess}}, false, StatusSuccess},
		{"timeout fails", []Step{{Status: StatusTimeout}, {Status: StatusSkipped}}, false, StatusFailure},
		{"cancelled", []Step{{Status: StatusSkipped}}, true, StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregate(tt.steps, tt.cancelled))
		})
	}
}
