// Package agentclient delivers dispatch and cancel messages to agents over
// HTTP.
//
// An agent advertises itself by storing an Info record as the data of its
// coordination node. The transport resolves that record on every call, so a
// restarted agent is picked up at its new endpoint.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
)

// Agent endpoints, relative to Info.Endpoint.
const (
	DispatchPath = "/dispatch"
	CancelPath   = "/cancel"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetryCount = 2
)

var (
	// ErrNoEndpoint indicates the agent's record has no usable endpoint.
	ErrNoEndpoint = errors.New("agent has no endpoint")
)

// Info is the presence record an agent publishes.
type Info struct {
	// Endpoint is the agent's base URL, e.g. http://10.0.3.7:7070.
	Endpoint string `json:"endpoint"`

	Version  string   `json:"version,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// EncodeInfo serializes an Info for a coordination node.
func EncodeInfo(info Info) ([]byte, error) {
	if err := validateEndpoint(info.Endpoint); err != nil {
		return nil, err
	}
	return json.Marshal(info)
}

// DecodeInfo parses a coordination node's data.
func DecodeInfo(data []byte) (Info, error) {
	var info Info
	if len(strings.TrimSpace(string(data))) == 0 {
		return Info{}, ErrNoEndpoint
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse agent info: %w", err)
	}
	if err := validateEndpoint(info.Endpoint); err != nil {
		return Info{}, err
	}
	return info, nil
}

func validateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrNoEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid endpoint %q", ErrNoEndpoint, endpoint)
	}
	return nil
}

// CancelRequest is the body of a cancel call.
type CancelRequest struct {
	CommandID string `json:"command_id"`
}

// HTTPError is a non-2xx answer from an agent.
type HTTPError struct {
	Op         string
	Agent      string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("%s %s: agent responded %d", e.Op, e.Agent, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: agent responded %d: %s", e.Op, e.Agent, e.StatusCode, body)
}

// Resolver looks up coordination node data. Implemented by coord.Client.
type Resolver interface {
	Data(ctx context.Context, zone, name string) ([]byte, error)
}

// Config configures a Transport.
type Config struct {
	// Timeout bounds one HTTP attempt.
	Timeout time.Duration

	// RetryCount is the number of retries on connection errors. Agents
	// deduplicate dispatches by command id.
	RetryCount int

	// Token is sent as a bearer token when set.
	Token string

	Logger *zap.Logger
}

// Transport implements command.Transport over HTTP.
type Transport struct {
	client   *resty.Client
	resolver Resolver
	logger   *zap.Logger
}

var _ command.Transport = (*Transport)(nil)

// New creates a Transport that resolves agent endpoints through resolver.
func New(resolver Resolver, cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Transport{
		client:   client,
		resolver: resolver,
		logger:   logger.Named("agentclient"),
	}
}

// Resolve returns the agent's published Info.
func (t *Transport) Resolve(ctx context.Context, key agent.Key) (Info, error) {
	data, err := t.resolver.Data(ctx, key.Zone, key.Name)
	if err != nil {
		return Info{}, fmt.Errorf("resolve %s: %w", key.Path(), err)
	}
	info, err := DecodeInfo(data)
	if err != nil {
		return Info{}, fmt.Errorf("resolve %s: %w", key.Path(), err)
	}
	return info, nil
}

// Dispatch posts the command to the agent. Any 2xx answer means accepted.
func (t *Transport) Dispatch(ctx context.Context, key agent.Key, msg command.Dispatch) error {
	return t.post(ctx, "dispatch", key, DispatchPath, msg)
}

// Cancel asks the agent to stop a command.
func (t *Transport) Cancel(ctx context.Context, key agent.Key, commandID string) error {
	return t.post(ctx, "cancel", key, CancelPath, CancelRequest{CommandID: commandID})
}

func (t *Transport) post(ctx context.Context, op string, key agent.Key, path string, body any) error {
	info, err := t.Resolve(ctx, key)
	if err != nil {
		return err
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(strings.TrimRight(info.Endpoint, "/") + path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, key.Path(), err)
	}
	if !resp.IsSuccess() {
		return &HTTPError{Op: op, Agent: key.Path(), StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	t.logger.Debug("Agent call accepted", zap.String("op", op), zap.String("agent", key.Path()),
		zap.Duration("elapsed", resp.Time()))
	return nil
}
