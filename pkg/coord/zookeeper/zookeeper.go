// Package zookeeper implements coord.Client on Apache ZooKeeper.
//
// Presence records are ephemeral znodes under /<root>/<zone>. Membership is
// observed through children watches, re-armed after every notification.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/pkg/coord"
)

// DefaultSessionTimeout is the session timeout negotiated with the ensemble.
const DefaultSessionTimeout = 10 * time.Second

// Config configures a ZooKeeper client.
type Config struct {
	// Servers is the ensemble address list (host:port).
	Servers []string

	// SessionTimeout bounds how long ephemeral nodes survive a lost session.
	SessionTimeout time.Duration

	// Root is the node under which zones live. Defaults to coord.DefaultRoot.
	Root string

	// Logger receives session diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Client implements coord.Client.
type Client struct {
	conn   *zk.Conn
	root   string
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	regs     map[string]*registration
	watchers map[*watcher]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

// New connects to the ensemble and starts the session event loop.
func New(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zookeeper servers are required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("zookeeper")

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(zkLogger{logger.Sugar()}),
		zk.WithLogInfo(false),
	)
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}

	c := &Client{
		conn:     conn,
		root:     coord.ZonePath(cfg.Root, ""),
		logger:   logger,
		regs:     make(map[string]*registration),
		watchers: make(map[*watcher]struct{}),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sessionLoop(events)
	return c, nil
}

func (c *Client) sessionLoop(events <-chan zk.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateDisconnected, zk.StateExpired:
				c.logger.Warn("Coordination session lost", zap.String("state", ev.State.String()))
				c.forEachWatcher(func(w *watcher) { w.lost() })
			case zk.StateHasSession:
				c.logger.Info("Coordination session established")
				c.restoreRegistrations()
				c.forEachWatcher(func(w *watcher) { w.refresh() })
			}
		}
	}
}

func (c *Client) forEachWatcher(fn func(*watcher)) {
	c.mu.Lock()
	ws := make([]*watcher, 0, len(c.watchers))
	for w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()
	for _, w := range ws {
		fn(w)
	}
}

// restoreRegistrations recreates ephemeral nodes lost with an expired session.
func (c *Client) restoreRegistrations() {
	c.mu.Lock()
	regs := make([]*registration, 0, len(c.regs))
	for _, r := range c.regs {
		regs = append(regs, r)
	}
	c.mu.Unlock()

	for _, r := range regs {
		_, err := c.conn.Create(r.path, r.data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			c.logger.Warn("Failed to restore presence record", zap.String("path", r.path), zap.Error(err))
		}
	}
}

// ensurePath creates persistent parent nodes as needed.
func (c *Client) ensurePath(p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		_, err := c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return wrapError("ensure", cur, err)
		}
	}
	return nil
}

// Register implements coord.Client.
func (c *Client) Register(ctx context.Context, zone, name string, data []byte) (coord.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := coord.ValidateName("zone", zone); err != nil {
		return nil, err
	}
	if err := coord.ValidateName("agent", name); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, coord.ErrClosed
	}

	zonePath := path.Join(c.root, zone)
	if err := c.ensurePath(zonePath); err != nil {
		return nil, err
	}
	nodePath := path.Join(zonePath, name)
	if _, err := c.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll)); err != nil {
		return nil, wrapError("register", nodePath, err)
	}

	r := &registration{client: c, path: nodePath, data: append([]byte(nil), data...)}
	c.mu.Lock()
	c.regs[nodePath] = r
	c.mu.Unlock()
	return r, nil
}

// WatchChildren implements coord.Client.
func (c *Client) WatchChildren(ctx context.Context, zone string, fn func(coord.Event)) (coord.Watch, error) {
	if err := coord.ValidateName("zone", zone); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, coord.ErrClosed
	}
	zonePath := path.Join(c.root, zone)
	if err := c.ensurePath(zonePath); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		client:   c,
		zone:     zone,
		path:     zonePath,
		notifier: coord.NewNotifier(fn),
		refreshC: make(chan struct{}, 1),
		cancel:   cancel,
	}
	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

// Data implements coord.Client.
func (c *Client) Data(ctx context.Context, zone, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodePath := path.Join(c.root, zone, name)
	data, _, err := c.conn.Get(nodePath)
	if err != nil {
		return nil, wrapError("get", nodePath, err)
	}
	return data, nil
}

// Close implements coord.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := make([]*watcher, 0, len(c.watchers))
	for w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		w.Cancel()
	}
	close(c.done)
	c.conn.Close()
	c.wg.Wait()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type registration struct {
	client *Client
	path   string
	data   []byte
	once   sync.Once
}

func (r *registration) Path() string { return r.path }

func (r *registration) Close() error {
	var err error
	r.once.Do(func() {
		r.client.mu.Lock()
		delete(r.client.regs, r.path)
		r.client.mu.Unlock()
		if delErr := r.client.conn.Delete(r.path, -1); delErr != nil && !errors.Is(delErr, zk.ErrNoNode) {
			err = wrapError("unregister", r.path, delErr)
		}
	})
	return err
}

type watcher struct {
	client   *Client
	zone     string
	path     string
	notifier *coord.Notifier
	refreshC chan struct{}
	cancel   context.CancelFunc
	once     sync.Once
}

func (w *watcher) lost() {
	w.notifier.Notify(coord.Event{Type: coord.EventDisconnected, Zone: w.zone})
}

func (w *watcher) refresh() {
	select {
	case w.refreshC <- struct{}{}:
	default:
	}
}

func (w *watcher) Cancel() {
	w.once.Do(func() {
		w.cancel()
		w.notifier.Stop()
		w.client.mu.Lock()
		delete(w.client.watchers, w)
		w.client.mu.Unlock()
	})
}

func (w *watcher) run(ctx context.Context) {
	defer w.client.wg.Done()
	defer w.Cancel()

	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		children, _, ch, err := w.client.conn.ChildrenW(w.path)
		if errors.Is(err, zk.ErrNoNode) {
			err = w.client.ensurePath(w.path)
			if err == nil {
				continue
			}
		}
		if err != nil {
			if errors.Is(err, zk.ErrClosing) || errors.Is(err, zk.ErrConnectionClosed) {
				return
			}
			w.lost()
			select {
			case <-ctx.Done():
				return
			case <-w.refreshC:
			case <-time.After(backoff):
				if backoff < 5*time.Second {
					backoff *= 2
				}
			}
			continue
		}
		backoff = 100 * time.Millisecond
		w.notifier.Notify(coord.Event{Type: coord.EventChildren, Zone: w.zone, Children: children})

		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if ev.Type == zk.EventNotWatching {
				w.lost()
			}
		}
	}
}

func wrapError(op, nodePath string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("zookeeper %s %s: %w", op, nodePath, coord.ErrNodeExists)
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("zookeeper %s %s: %w", op, nodePath, coord.ErrNotFound)
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("zookeeper %s %s: %w: %v", op, nodePath, coord.ErrDisconnected, err)
	default:
		return fmt.Errorf("zookeeper %s %s: %w", op, nodePath, err)
	}
}

type zkLogger struct {
	s *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}
