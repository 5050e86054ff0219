package coord

import (
	"context"
	"sync"
)

// MemoryServer is an in-process coordination service.
//
// Several MemoryClient sessions may share one server. Presence records are
// owned by the session that created them and disappear when it closes or
// expires. Disconnect and Reconnect simulate connectivity loss for every
// session.
type MemoryServer struct {
	mu        sync.Mutex
	zones     map[string]map[string]*memoryNode
	watches   map[string]map[*Notifier]struct{}
	connected bool
}

type memoryNode struct {
	owner *MemoryClient
	data  []byte
}

// NewMemoryServer returns a connected, empty server.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		zones:     make(map[string]map[string]*memoryNode),
		watches:   make(map[string]map[*Notifier]struct{}),
		connected: true,
	}
}

// Client opens a new session against the server.
func (s *MemoryServer) Client() *MemoryClient {
	return &MemoryClient{server: s}
}

// Disconnect simulates loss of connectivity. Watchers receive EventDisconnected.
func (s *MemoryServer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	for zone, ws := range s.watches {
		for n := range ws {
			n.Notify(Event{Type: EventDisconnected, Zone: zone})
		}
	}
}

// Reconnect restores connectivity and delivers fresh snapshots to watchers.
func (s *MemoryServer) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	for zone := range s.watches {
		s.broadcastLocked(zone)
	}
}

// Connected reports whether the server is reachable.
func (s *MemoryServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *MemoryServer) childrenLocked(zone string) []string {
	nodes := s.zones[zone]
	out := make([]string, 0, len(nodes))
	for name := range nodes {
		out = append(out, name)
	}
	return sortedCopy(out)
}

// broadcastLocked queues snapshots while holding s.mu so that watchers observe
// snapshots in mutation order.
func (s *MemoryServer) broadcastLocked(zone string) {
	if !s.connected {
		return
	}
	children := s.childrenLocked(zone)
	for n := range s.watches[zone] {
		n.Notify(Event{Type: EventChildren, Zone: zone, Children: children})
	}
}

// MemoryClient is one session against a MemoryServer.
type MemoryClient struct {
	server *MemoryServer

	mu     sync.Mutex
	closed bool
	owned  map[string]map[string]struct{}
	watch  []*Notifier
}

var _ Client = (*MemoryClient)(nil)

// NewMemory returns a client backed by a private MemoryServer.
func NewMemory() *MemoryClient {
	return NewMemoryServer().Client()
}

// Server returns the server this session belongs to.
func (c *MemoryClient) Server() *MemoryServer {
	return c.server
}

// Register implements Client.
func (c *MemoryClient) Register(ctx context.Context, zone, name string, data []byte) (Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName("zone", zone); err != nil {
		return nil, err
	}
	if err := ValidateName("agent", name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	s := c.server
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	nodes := s.zones[zone]
	if nodes == nil {
		nodes = make(map[string]*memoryNode)
		s.zones[zone] = nodes
	}
	if _, ok := nodes[name]; ok {
		s.mu.Unlock()
		return nil, ErrNodeExists
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	nodes[name] = &memoryNode{owner: c, data: stored}
	s.broadcastLocked(zone)
	s.mu.Unlock()

	c.mu.Lock()
	if c.owned == nil {
		c.owned = make(map[string]map[string]struct{})
	}
	if c.owned[zone] == nil {
		c.owned[zone] = make(map[string]struct{})
	}
	c.owned[zone][name] = struct{}{}
	c.mu.Unlock()

	return &memoryRegistration{client: c, zone: zone, name: name}, nil
}

// WatchChildren implements Client.
func (c *MemoryClient) WatchChildren(ctx context.Context, zone string, fn func(Event)) (Watch, error) {
	if err := ValidateName("zone", zone); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	n := NewNotifier(fn)
	s := c.server
	s.mu.Lock()
	if s.watches[zone] == nil {
		s.watches[zone] = make(map[*Notifier]struct{})
	}
	s.watches[zone][n] = struct{}{}
	if s.connected {
		n.Notify(Event{Type: EventChildren, Zone: zone, Children: s.childrenLocked(zone)})
	} else {
		n.Notify(Event{Type: EventDisconnected, Zone: zone})
	}
	s.mu.Unlock()

	c.mu.Lock()
	c.watch = append(c.watch, n)
	c.mu.Unlock()

	w := &memoryWatch{server: s, zone: zone, n: n}
	go func() {
		select {
		case <-ctx.Done():
			w.Cancel()
		case <-n.done:
		}
	}()
	return w, nil
}

// Data implements Client.
func (c *MemoryClient) Data(ctx context.Context, zone, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrDisconnected
	}
	node, ok := s.zones[zone][name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(node.data))
	copy(out, node.data)
	return out, nil
}

// Expire ends the session as if its lease timed out. Owned records disappear.
func (c *MemoryClient) Expire() {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()

	s := c.server
	for zone, names := range owned {
		s.mu.Lock()
		for name := range names {
			if node, ok := s.zones[zone][name]; ok && node.owner == c {
				delete(s.zones[zone], name)
			}
		}
		s.broadcastLocked(zone)
		s.mu.Unlock()
	}
}

// Close implements Client.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watches := c.watch
	c.watch = nil
	c.mu.Unlock()

	c.Expire()
	s := c.server
	s.mu.Lock()
	for _, ws := range s.watches {
		for _, n := range watches {
			delete(ws, n)
		}
	}
	s.mu.Unlock()
	for _, n := range watches {
		n.Stop()
	}
	return nil
}

func (c *MemoryClient) release(zone, name string) {
	c.mu.Lock()
	if names := c.owned[zone]; names != nil {
		delete(names, name)
	}
	c.mu.Unlock()

	s := c.server
	s.mu.Lock()
	if node, ok := s.zones[zone][name]; ok && node.owner == c {
		delete(s.zones[zone], name)
	}
	s.broadcastLocked(zone)
	s.mu.Unlock()
}

type memoryRegistration struct {
	client *MemoryClient
	zone   string
	name   string
	once   sync.Once
}

func (r *memoryRegistration) Path() string {
	return AgentPath(DefaultRoot, r.zone, r.name)
}

func (r *memoryRegistration) Close() error {
	r.once.Do(func() { r.client.release(r.zone, r.name) })
	return nil
}

type memoryWatch struct {
	server *MemoryServer
	zone   string
	n      *Notifier
}

func (w *memoryWatch) Cancel() {
	w.server.mu.Lock()
	delete(w.server.watches[w.zone], w.n)
	w.server.mu.Unlock()
	w.n.Stop()
}
