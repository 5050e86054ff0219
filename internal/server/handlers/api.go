// Package handlers implements the control center HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/ccplane/internal/errors"
	"github.com/3leaps/ccplane/internal/server/middleware"
	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/flowdef"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/logstore"
	"github.com/3leaps/ccplane/pkg/zone"
)

// DefaultMaxLogBytes caps one log upload.
const DefaultMaxLogBytes = 64 << 20

const maxBodyBytes = 4 << 20

// AgentRegistry is implemented by *agent.Registry.
type AgentRegistry interface {
	ReportStatus(zone, name string, status agent.Status) error
	List(zone string, filter agent.Filter) []agent.Agent
}

// ZoneManager is implemented by *zone.Manager.
type ZoneManager interface {
	CreateZone(ctx context.Context, z zone.Zone) (zone.Zone, error)
	Zones() []zone.Zone
	Get(name string) (zone.Status, error)
}

// CommandService is implemented by *command.Dispatcher.
type CommandService interface {
	Submit(ctx context.Context, zone string, payload command.Payload) (string, error)
	OnAgentReport(ctx context.Context, rep command.Report) error
	Get(id string) (command.Command, error)
	List(filter command.Filter) []command.Command
	Cancel(ctx context.Context, id string) error
}

// JobService is implemented by *job.Orchestrator.
type JobService interface {
	Run(ctx context.Context, flow *job.Node, opts job.RunOptions) (*job.Job, error)
	Get(id string) (job.Job, error)
	List(filter job.Filter) []job.Job
	Cancel(ctx context.Context, id string) error
}

// History serves records evicted from memory. Implemented by
// *history.Recorder.
type History interface {
	GetCommand(ctx context.Context, id string) (command.Command, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
}

// API holds the services behind the REST routes. History and Logs are
// optional.
type API struct {
	Agents   AgentRegistry
	Zones    ZoneManager
	Commands CommandService
	Jobs     JobService
	History  History
	Logs     logstore.Store

	// AdminToken guards POST /zone when set.
	AdminToken string

	MaxLogBytes int64

	Logger *zap.Logger
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}
	if a.MaxLogBytes <= 0 {
		a.MaxLogBytes = DefaultMaxLogBytes
	}

	r.Route("/agent", func(r chi.Router) {
		r.Post("/report", a.reportAgent)
		r.Get("/list", a.listAgents)
	})

	r.Route("/zone", func(r chi.Router) {
		r.With(middleware.BearerToken(a.AdminToken)).Post("/", a.createZone)
		r.Get("/list", a.listZones)
		r.Get("/{name}", a.getZone)
	})

	r.Route("/cmd", func(r chi.Router) {
		r.Post("/send", a.sendCommand)
		r.Post("/report", a.reportCommand)
		r.Post("/log/upload", a.uploadLog)
		r.Get("/log/download", a.downloadLog)
		r.Get("/list", a.listCommands)
		r.Get("/{id}", a.getCommand)
		r.Post("/{id}/cancel", a.cancelCommand)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.runJob)
		r.Get("/", a.listJobs)
		r.Get("/{id}", a.getJob)
		r.Post("/{id}/cancel", a.cancelJob)
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewBadRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func requireParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", apperrors.NewBadRequest(fmt.Sprintf("query parameter %q is required", name))
	}
	return v, nil
}

// IDResponse answers submissions.
type IDResponse struct {
	ID string `json:"id"`
}

// AgentReport is the body of POST /agent/report.
type AgentReport struct {
	Zone   string `json:"zone"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (a *API) reportAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentReport
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := agent.ParseStatus(req.Status)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.Agents.ReportStatus(req.Zone, req.Name, status); err != nil {
		a.Logger.Warn("Agent report rejected",
			zap.String("zone", req.Zone),
			zap.String("agent", req.Name),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := agent.Filter{Match: q.Get("match")}
	if s := q.Get("status"); s != "" {
		st, err := agent.ParseStatus(s)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		filter.Status = st
	}
	if err := filter.Validate(); err != nil {
		respondWithError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	agents := a.Agents.List(q.Get("zone"), filter)
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *API) createZone(w http.ResponseWriter, r *http.Request) {
	var z zone.Zone
	if err := decodeBody(r, &z); err != nil {
		respondWithError(w, r, err)
		return
	}
	created, err := a.Zones.CreateZone(r.Context(), z)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listZones(w http.ResponseWriter, r *http.Request) {
	zones := a.Zones.Zones()
	out := make([]zone.Status, 0, len(zones))
	for _, z := range zones {
		st, err := a.Zones.Get(z.Name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getZone(w http.ResponseWriter, r *http.Request) {
	st, err := a.Zones.Get(chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SendRequest is the body of POST /cmd/send.
type SendRequest struct {
	Zone    string          `json:"zone"`
	Payload command.Payload `json:"payload"`
}

func (a *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Payload.Script) == "" {
		respondWithError(w, r, apperrors.NewValidationError("payload script is required"))
		return
	}
	id, err := a.Commands.Submit(r.Context(), req.Zone, req.Payload)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IDResponse{ID: id})
}

func (a *API) reportCommand(w http.ResponseWriter, r *http.Request) {
	var rep command.Report
	if err := decodeBody(r, &rep); err != nil {
		respondWithError(w, r, err)
		return
	}
	status, err := command.ParseStatus(string(rep.Status))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rep.Status = status
	if err := a.Commands.OnAgentReport(r.Context(), rep); err != nil {
		a.Logger.Warn("Command report rejected",
			zap.String("command_id", rep.CommandID),
			zap.String("status", string(rep.Status)),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lookupCommand(ctx context.Context, id string) (command.Command, error) {
	c, err := a.Commands.Get(id)
	if err == nil || a.History == nil {
		return c, err
	}
	if hc, herr := a.History.GetCommand(ctx, id); herr == nil {
		return hc, nil
	}
	return c, err
}

func (a *API) getCommand(w http.ResponseWriter, r *http.Request) {
	c, err := a.lookupCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) listCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := command.Filter{Zone: q.Get("zone")}
	if s := q.Get("status"); s != "" {
		st, err := command.ParseStatus(s)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		filter.Status = st
	}
	cmds := a.Commands.List(filter)
	if cmds == nil {
		cmds = []command.Command{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (a *API) cancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Commands.Cancel(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IDResponse{ID: id})
}

// LogResponse answers log uploads.
type LogResponse struct {
	ID     string `json:"id"`
	LogRef string `json:"log_ref"`
}

func (a *API) uploadLog(w http.ResponseWriter, r *http.Request) {
	if a.Logs == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("log storage is not configured"))
		return
	}
	id, err := requireParam(r, "id")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, a.MaxLogBytes)
	ref, err := a.Logs.Put(r.Context(), id, body, r.ContentLength)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, LogResponse{ID: id, LogRef: ref})
}

func (a *API) downloadLog(w http.ResponseWriter, r *http.Request) {
	if a.Logs == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("log storage is not configured"))
		return
	}
	id, err := requireParam(r, "id")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	c, err := a.lookupCommand(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if c.LogRef == "" {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("command %s has no log", id)))
		return
	}

	rc, size, err := a.Logs.Open(r.Context(), c.LogRef)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if size >= 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.Logger.Debug("Log download interrupted", zap.String("command_id", id), zap.Error(err))
	}
}

func (a *API) runJob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("read body: %v", err)))
		return
	}
	flow, err := flowdef.LoadFromBytes(data, "request")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	opts := job.RunOptions{Zone: r.URL.Query().Get("zone")}
	for _, kv := range r.URL.Query()["env"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			respondWithError(w, r, apperrors.NewValidationError(fmt.Sprintf("invalid env %q (expected KEY=VALUE)", kv)))
			return
		}
		if opts.Env == nil {
			opts.Env = make(map[string]string)
		}
		opts.Env[k] = v
	}

	// The job outlives the request.
	j, err := a.Jobs.Run(context.WithoutCancel(r.Context()), flow, opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.Filter{Flow: q.Get("flow"), Status: job.Status(strings.ToUpper(q.Get("status")))}
	jobs := a.Jobs.List(filter)
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := a.Jobs.Get(id)
	if err != nil && a.History != nil {
		if hj, herr := a.History.GetJob(r.Context(), id); herr == nil {
			j, err = hj, nil
		}
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Jobs.Cancel(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IDResponse{ID: id})
}
