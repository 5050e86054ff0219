package job

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/zone"
)

// fakeDispatcher completes commands according to their script:
//
//	"fail"    exit 1, FAILURE
//	"timeout" TIMEOUT; "timeout-once" times out on the first attempt only
//	"hang"    stays RUNNING until cancelled
//
// Anything else succeeds with exit 0.
type fakeDispatcher struct {
	mu        sync.Mutex
	seq       int
	submitted []submission
	attempts  map[string]int
	hanging   map[string]chan command.Command
	submitErr error
	zones     map[string]bool
}

type submission struct {
	ID      string
	Zone    string
	Payload command.Payload
}

func newFakeDispatcher(zones ...string) *fakeDispatcher {
	f := &fakeDispatcher{
		attempts: make(map[string]int),
		hanging:  make(map[string]chan command.Command),
		zones:    make(map[string]bool),
	}
	for _, z := range zones {
		f.zones[z] = true
	}
	return f
}

func (f *fakeDispatcher) Submit(ctx context.Context, zoneName string, p command.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if len(f.zones) > 0 && !f.zones[zoneName] {
		return "", zone.ErrZoneNotFound
	}
	f.seq++
	id := fmt.Sprintf("cmd-%d", f.seq)
	f.submitted = append(f.submitted, submission{ID: id, Zone: zoneName, Payload: p})
	f.attempts[p.Script]++
	return id, nil
}

func (f *fakeDispatcher) Watch(id string) (<-chan command.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sub submission
	for _, s := range f.submitted {
		if s.ID == id {
			sub = s
		}
	}
	if sub.ID == "" {
		return nil, command.ErrUnknownCommand
	}

	ch := make(chan command.Command, 3)
	base := command.Command{ID: id, Zone: sub.Zone, Payload: sub.Payload, Agent: "a1"}
	sent := base
	sent.Status = command.StatusSent
	running := base
	running.Status = command.StatusRunning
	ch <- sent
	ch <- running

	script := strings.TrimSpace(sub.Payload.Script)
	final := base
	switch {
	case script == "hang":
		f.hanging[id] = ch
		return ch, nil
	case script == "fail":
		final.Status, final.ExitCode = command.StatusFailure, intPtr(1)
	case script == "timeout":
		final.Status, final.Reason = command.StatusTimeout, command.ErrTimeout.Error()
	case script == "timeout-once" && f.attempts[script] == 1:
		final.Status, final.Reason = command.StatusTimeout, command.ErrTimeout.Error()
	default:
		final.Status, final.ExitCode = command.StatusSuccess, intPtr(0)
	}
	final.LogRef = "file:///logs/" + id + ".log"
	ch <- final
	close(ch)
	return ch, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.hanging[id]
	if !ok {
		return command.ErrNotCancellable
	}
	delete(f.hanging, id)
	ch <- command.Command{ID: id, Status: command.StatusFailure, Reason: "cancelled by agent", ExitCode: intPtr(-1)}
	close(ch)
	return nil
}

func (f *fakeDispatcher) scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	for i, s := range f.submitted {
		out[i] = s.Payload.Script
	}
	return out
}

func (f *fakeDispatcher) hangingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hanging)
}

type memRecorder struct {
	mu   sync.Mutex
	jobs map[string][]Job
}

func (m *memRecorder) RecordJob(ctx context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = make(map[string][]Job)
	}
	m.jobs[j.ID] = append(m.jobs[j.ID], j)
	return nil
}

func (m *memRecorder) last(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	js := m.jobs[id]
	if len(js) == 0 {
		return Job{}, false
	}
	return js[len(js)-1], true
}

func intPtr(v int) *int { return &v }

func step(name, script string) *Node {
	return &Node{Kind: KindStep, Name: name, Script: script}
}

func flow(children ...*Node) *Node {
	return &Node{Kind: KindFlow, Name: "flow", Zone: "z1", Children: children}
}
