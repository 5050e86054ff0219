// Package redis implements coord.Client on Redis.
//
// Presence records are keys with a TTL lease refreshed by the registrant.
// A lost registrant stops refreshing and its key expires. Membership is
// observed by polling a SCAN snapshot of the zone prefix.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/coord"
)

const (
	// DefaultLeaseTTL is how long a presence key survives without refresh.
	DefaultLeaseTTL = 10 * time.Second

	// DefaultPollInterval is the membership snapshot interval.
	DefaultPollInterval = time.Second
)

// Config configures a Redis coordination client.
type Config struct {
	// Addr is the Redis address (host:port).
	Addr string

	Password string
	DB       int

	// Root is the key prefix under which zones live. Defaults to coord.DefaultRoot.
	Root string

	LeaseTTL     time.Duration
	PollInterval time.Duration

	Logger *zap.Logger
}

// Client implements coord.Client.
type Client struct {
	rdb          goredis.UniversalClient
	root         string
	leaseTTL     time.Duration
	pollInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	closed bool
	stops  []func()
	wg     sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

// New connects to Redis.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing go-redis client.
func NewWithClient(rdb goredis.UniversalClient, cfg Config) *Client {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rdb:          rdb,
		root:         coord.ZonePath(cfg.Root, ""),
		leaseTTL:     cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
		logger:       logger.Named("redis-coord"),
	}
}

func (c *Client) key(zone, name string) string {
	return coord.AgentPath(c.root, zone, name)
}

func (c *Client) track(stop func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.stops = append(c.stops, stop)
	return true
}

// Register implements coord.Client.
func (c *Client) Register(ctx context.Context, zone, name string, data []byte) (coord.Registration, error) {
	if err := coord.ValidateName("zone", zone); err != nil {
		return nil, err
	}
	if err := coord.ValidateName("agent", name); err != nil {
		return nil, err
	}

	key := c.key(zone, name)
	ok, err := c.rdb.SetNX(ctx, key, data, c.leaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis register %s: %w: %v", key, coord.ErrDisconnected, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis register %s: %w", key, coord.ErrNodeExists)
	}

	leaseCtx, cancel := context.WithCancel(context.Background())
	r := &registration{client: c, key: key, cancel: cancel}
	if !c.track(r.stop) {
		cancel()
		_ = c.rdb.Del(ctx, key).Err()
		return nil, coord.ErrClosed
	}

	c.wg.Add(1)
	go c.refreshLease(leaseCtx, key, data)
	return r, nil
}

func (c *Client) refreshLease(ctx context.Context, key string, data []byte) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := c.rdb.Expire(ctx, key, c.leaseTTL).Result()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Lease refresh failed", zap.String("key", key), zap.Error(err))
				}
				continue
			}
			if !alive {
				// Lease lapsed during an outage; take it again.
				if err := c.rdb.SetNX(ctx, key, data, c.leaseTTL).Err(); err != nil && ctx.Err() == nil {
					c.logger.Warn("Lease re-acquire failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}
}

// WatchChildren implements coord.Client.
func (c *Client) WatchChildren(ctx context.Context, zone string, fn func(coord.Event)) (coord.Watch, error) {
	if err := coord.ValidateName("zone", zone); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	n := coord.NewNotifier(fn)
	w := &watch{cancel: cancel, notifier: n}
	if !c.track(w.Cancel) {
		w.Cancel()
		return nil, coord.ErrClosed
	}

	c.wg.Add(1)
	go c.poll(ctx, zone, n)
	return w, nil
}

func (c *Client) poll(ctx context.Context, zone string, n *coord.Notifier) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last []string
	known := false
	disconnected := false
	for {
		children, err := c.snapshot(ctx, zone)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			if !disconnected {
				c.logger.Warn("Membership snapshot failed", zap.String("zone", zone), zap.Error(err))
				n.Notify(coord.Event{Type: coord.EventDisconnected, Zone: zone})
				disconnected = true
			}
		case !known || disconnected || !slices.Equal(last, children):
			n.Notify(coord.Event{Type: coord.EventChildren, Zone: zone, Children: children})
			last = children
			known = true
			disconnected = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) snapshot(ctx context.Context, zone string) ([]string, error) {
	prefix := coord.ZonePath(c.root, zone) + "/"
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	children := make([]string, 0)
	for iter.Next(ctx) {
		name := strings.TrimPrefix(iter.Val(), prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		children = append(children, name)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(children)
	return slices.Compact(children), nil
}

// Data implements coord.Client.
func (c *Client) Data(ctx context.Context, zone, name string) ([]byte, error) {
	key := c.key(zone, name)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis get %s: %w", key, coord.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w: %v", key, coord.ErrDisconnected, err)
	}
	return data, nil
}

// Close implements coord.Client. Presence keys held by this client are removed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	c.wg.Wait()
	return c.rdb.Close()
}

type registration struct {
	client *Client
	key    string
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (r *registration) Path() string { return r.key }

func (r *registration) stop() {
	r.once.Do(func() {
		r.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.client.rdb.Del(ctx, r.key).Err(); err != nil {
			r.err = fmt.Errorf("redis unregister %s: %w", r.key, err)
		}
	})
}

func (r *registration) Close() error {
	r.stop()
	return r.err
}

type watch struct {
	cancel   context.CancelFunc
	notifier *coord.Notifier
}

func (w *watch) Cancel() {
	w.cancel()
	w.notifier.Stop()
}
