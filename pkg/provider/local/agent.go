package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/agentclient"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/coord"
)

// localAgent is one in-process agent: an HTTP endpoint plus a presence
// registration. It runs one command at a time.
type localAgent struct {
	key      agent.Key
	endpoint string
	p        *Provider
	logger   *zap.Logger

	server *http.Server
	reg    coord.Registration
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
	seen    map[string]struct{}
}

func (p *Provider) startAgent(ctx context.Context, zone, name string) (*localAgent, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.cfg.Host, "0"))
	if err != nil {
		return nil, err
	}
	a := &localAgent{
		key:      agent.Key{Zone: zone, Name: name},
		endpoint: "http://" + ln.Addr().String(),
		p:        p,
		logger:   p.logger.With(zap.String("agent", zone+"/"+name)),
		stop:     make(chan struct{}),
		seen:     make(map[string]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post(agentclient.DispatchPath, a.handleDispatch)
	r.Post(agentclient.CancelPath, a.handleCancel)
	a.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("Agent server stopped", zap.Error(err))
		}
	}()

	data, err := agentclient.EncodeInfo(agentclient.Info{Endpoint: a.endpoint, Provider: string(p.cfg.Name)})
	if err != nil {
		_ = a.server.Close()
		return nil, err
	}
	reg, err := p.cfg.Coord.Register(ctx, zone, name, data)
	if err != nil {
		_ = a.server.Close()
		return nil, err
	}
	a.reg = reg

	if p.cfg.HeartbeatInterval > 0 && p.cfg.Liveness != nil {
		a.wg.Add(1)
		go a.heartbeat()
	}
	return a, nil
}

func (a *localAgent) heartbeat() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			status := agent.StatusIdle
			a.mu.Lock()
			if a.current != "" {
				status = agent.StatusBusy
			}
			a.mu.Unlock()
			if err := a.p.cfg.Liveness.ReportStatus(a.key.Zone, a.key.Name, status); err != nil {
				a.logger.Debug("Heartbeat rejected", zap.Error(err))
			}
		}
	}
}

func (a *localAgent) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var msg command.Dispatch
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.CommandID == "" {
		http.Error(w, "invalid dispatch", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	if _, dup := a.seen[msg.CommandID]; dup {
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	if a.current != "" {
		a.mu.Unlock()
		http.Error(w, "agent busy with "+a.current, http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.seen[msg.CommandID] = struct{}{}
	a.current = msg.CommandID
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx, msg)
	w.WriteHeader(http.StatusAccepted)
}

func (a *localAgent) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req agentclient.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid cancel", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	if a.current == req.CommandID && a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (a *localAgent) run(ctx context.Context, msg command.Dispatch) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		a.current = ""
		a.cancel = nil
		a.mu.Unlock()
	}()

	id := msg.CommandID
	a.report(command.Report{CommandID: id, Status: command.StatusRunning})

	var out bytes.Buffer
	code, err := a.p.cfg.Executor.Execute(ctx, msg.Payload, &out)
	if err != nil {
		out.WriteString("\n" + err.Error() + "\n")
	}

	rep := command.Report{CommandID: id, Status: command.StatusSuccess, ExitCode: &code}
	if err != nil || code != 0 {
		rep.Status = command.StatusFailure
	}
	if logs := a.p.cfg.Logs; logs != nil {
		ref, perr := logs.Put(context.Background(), id, &out, int64(out.Len()))
		if perr != nil {
			a.logger.Warn("Log upload failed", zap.String("command_id", id), zap.Error(perr))
		} else {
			rep.LogRef = ref
		}
	}
	a.report(rep)
}

func (a *localAgent) report(rep command.Report) {
	reporter := a.p.reporter()
	if reporter == nil {
		a.logger.Warn("No reporter configured, dropping report", zap.String("command_id", rep.CommandID))
		return
	}
	rep.Timestamp = time.Now().UTC()
	if err := reporter.OnAgentReport(context.Background(), rep); err != nil {
		a.logger.Warn("Report rejected", zap.String("command_id", rep.CommandID),
			zap.String("status", string(rep.Status)), zap.Error(err))
	}
}

// shutdown withdraws presence, cancels the running command and stops the
// server.
func (a *localAgent) shutdown(ctx context.Context) error {
	err := a.reg.Close()
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	close(a.stop)
	if serr := a.server.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	a.wg.Wait()
	return err
}
