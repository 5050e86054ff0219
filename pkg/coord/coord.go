// Package coord abstracts the coordination service that tracks agent presence.
//
// Agents register an ephemeral presence record under a zone node. The control
// center watches the zone's children and receives full membership snapshots.
// When the session to the coordination service is lost, watchers receive an
// EventDisconnected event; this means membership is unknown, not empty.
//
// Path scheme:
//
//	/<root>/<zone>/<agent>
package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Sentinel errors for coordination operations.
var (
	// ErrNotFound indicates the requested node does not exist.
	ErrNotFound = errors.New("coordination node not found")

	// ErrNodeExists indicates a presence record is already held for the agent.
	ErrNodeExists = errors.New("coordination node already exists")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("coordination client closed")

	// ErrDisconnected indicates the session to the coordination service is lost.
	ErrDisconnected = errors.New("coordination service disconnected")
)

// DefaultRoot is the root node under which zones live.
const DefaultRoot = "/ccplane"

// EventType identifies the kind of watch notification.
type EventType int

const (
	// EventChildren carries a full membership snapshot.
	EventChildren EventType = iota

	// EventDisconnected reports that the session is lost and membership is unknown.
	EventDisconnected
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventChildren:
		return "children"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered to watch callbacks.
type Event struct {
	Type EventType

	// Zone is the watched zone.
	Zone string

	// Children is the sorted list of present agent names (EventChildren only).
	Children []string
}

// Registration is a held presence record.
type Registration interface {
	// Path returns the full node path of the record.
	Path() string

	// Close removes the presence record.
	Close() error
}

// Watch is an active children watch.
type Watch interface {
	// Cancel stops delivering events. It is safe to call more than once.
	Cancel()
}

// Client is the coordination service abstraction.
type Client interface {
	// Register creates an ephemeral presence record for an agent in a zone.
	// The record disappears when the owning session ends or the Registration is closed.
	Register(ctx context.Context, zone, name string, data []byte) (Registration, error)

	// WatchChildren delivers the zone's membership to fn: once immediately and
	// again on every change, until the watch is cancelled or ctx is done.
	WatchChildren(ctx context.Context, zone string, fn func(Event)) (Watch, error)

	// Data returns the payload stored with an agent's presence record.
	Data(ctx context.Context, zone, name string) ([]byte, error)

	// Close releases the session. Registrations held by this client disappear.
	Close() error
}

// ZonePath returns the node path for a zone under root.
func ZonePath(root, zone string) string {
	return path.Join(normalizeRoot(root), zone)
}

// AgentPath returns the node path for an agent under root.
func AgentPath(root, zone, name string) string {
	return path.Join(normalizeRoot(root), zone, name)
}

// ValidateName rejects names that cannot be a single path segment.
func ValidateName(kind, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

func normalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if root == "" {
		return DefaultRoot
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	return path.Clean(root)
}

func sortedCopy(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}
