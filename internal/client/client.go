// Package client is the CLI's HTTP client for the control center API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/3leaps/ccplane/internal/errors"
	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/zone"
)

// DefaultTimeout bounds one API call.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 API error.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	// BaseURL is the server address, e.g. http://localhost:8080.
	BaseURL string

	// Token is sent as a bearer token for admin routes.
	Token string

	Timeout time.Duration
}

// Client calls the control center API.
type Client struct {
	rc *resty.Client
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{rc: rc}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any, configure ...func(*resty.Request)) error {
	req := c.rc.R().SetContext(ctx).SetError(&apperrors.HTTPErrorResponse{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	for _, fn := range configure {
		fn(req)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return toAPIError(resp)
	}
	return nil
}

func toAPIError(resp *resty.Response) error {
	ae := &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	if env, ok := resp.Error().(*apperrors.HTTPErrorResponse); ok && env.Error.Code != "" {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.RequestID = env.Error.RequestID
		ae.Details = env.Error.Details
	}
	return ae
}

func (c *Client) CreateZone(ctx context.Context, z zone.Zone) (zone.Zone, error) {
	var out zone.Zone
	err := c.do(ctx, http.MethodPost, "/zone", z, &out)
	return out, err
}

func (c *Client) ListZones(ctx context.Context) ([]zone.Status, error) {
	var out []zone.Status
	err := c.do(ctx, http.MethodGet, "/zone/list", nil, &out)
	return out, err
}

func (c *Client) GetZone(ctx context.Context, name string) (zone.Status, error) {
	var out zone.Status
	err := c.do(ctx, http.MethodGet, "/zone/"+url.PathEscape(name), nil, &out)
	return out, err
}

// AgentQuery selects agents in ListAgents.
type AgentQuery struct {
	Zone   string
	Match  string
	Status string
}

func (c *Client) ListAgents(ctx context.Context, q AgentQuery) ([]agent.Agent, error) {
	var out []agent.Agent
	err := c.do(ctx, http.MethodGet, "/agent/list", nil, &out, func(r *resty.Request) {
		setQuery(r, "zone", q.Zone)
		setQuery(r, "match", q.Match)
		setQuery(r, "status", q.Status)
	})
	return out, err
}

// ReportAgent posts an agent status report.
func (c *Client) ReportAgent(ctx context.Context, zoneName, name, status string) error {
	body := map[string]string{"zone": zoneName, "name": name, "status": status}
	return c.do(ctx, http.MethodPost, "/agent/report", body, nil)
}

// SendCommand submits a payload and returns the command id.
func (c *Client) SendCommand(ctx context.Context, zoneName string, p command.Payload) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"zone": zoneName, "payload": p}
	if err := c.do(ctx, http.MethodPost, "/cmd/send", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ReportCommand posts an agent command report.
func (c *Client) ReportCommand(ctx context.Context, rep command.Report) error {
	return c.do(ctx, http.MethodPost, "/cmd/report", rep, nil)
}

func (c *Client) GetCommand(ctx context.Context, id string) (command.Command, error) {
	var out command.Command
	err := c.do(ctx, http.MethodGet, "/cmd/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListCommands lists in-memory commands, optionally by zone and status.
func (c *Client) ListCommands(ctx context.Context, zoneName, status string) ([]command.Command, error) {
	var out []command.Command
	err := c.do(ctx, http.MethodGet, "/cmd/list", nil, &out, func(r *resty.Request) {
		setQuery(r, "zone", zoneName)
		setQuery(r, "status", status)
	})
	return out, err
}

func (c *Client) CancelCommand(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/cmd/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// UploadLog stores a command log and returns its reference.
func (c *Client) UploadLog(ctx context.Context, id string, body io.Reader) (string, error) {
	var out struct {
		LogRef string `json:"log_ref"`
	}
	err := c.do(ctx, http.MethodPost, "/cmd/log/upload", nil, &out, func(r *resty.Request) {
		r.SetQueryParam("id", id).
			SetHeader("Content-Type", "text/plain").
			SetBody(body)
	})
	return out.LogRef, err
}

// DownloadLog copies a command log to w.
func (c *Client) DownloadLog(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParam("id", id).
		SetError(&apperrors.HTTPErrorResponse{}).
		SetDoNotParseResponse(true).
		Get("/cmd/log/download")
	if err != nil {
		return fmt.Errorf("download log %s: %w", id, err)
	}
	raw := resp.RawBody()
	defer func() { _ = raw.Close() }()

	if resp.StatusCode() >= http.StatusBadRequest {
		ae := &APIError{StatusCode: resp.StatusCode()}
		var env apperrors.HTTPErrorResponse
		if err := json.NewDecoder(raw).Decode(&env); err == nil {
			ae.Code, ae.Message, ae.RequestID = env.Error.Code, env.Error.Message, env.Error.RequestID
		}
		return ae
	}
	if _, err := io.Copy(w, raw); err != nil {
		return fmt.Errorf("download log %s: %w", id, err)
	}
	return nil
}

// RunOptions are the query options of RunJob.
type RunOptions struct {
	Zone string
	Env  map[string]string
}

// RunJob submits a flow definition (YAML or JSON).
func (c *Client) RunJob(ctx context.Context, definition []byte, opts RunOptions) (job.Job, error) {
	var out job.Job
	err := c.do(ctx, http.MethodPost, "/jobs", nil, &out, func(r *resty.Request) {
		setQuery(r, "zone", opts.Zone)
		q := url.Values{}
		for k, v := range opts.Env {
			q.Add("env", k+"="+v)
		}
		if len(q) > 0 {
			r.SetQueryParamsFromValues(q)
		}
		r.SetHeader("Content-Type", "application/yaml").SetBody(definition)
	})
	return out, err
}

func (c *Client) GetJob(ctx context.Context, id string) (job.Job, error) {
	var out job.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListJobs(ctx context.Context, status, flow string) ([]job.Job, error) {
	var out []job.Job
	err := c.do(ctx, http.MethodGet, "/jobs", nil, &out, func(r *resty.Request) {
		setQuery(r, "status", status)
		setQuery(r, "flow", flow)
	})
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func setQuery(r *resty.Request, key, value string) {
	if value != "" {
		r.SetQueryParam(key, value)
	}
}
