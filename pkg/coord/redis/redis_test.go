package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/pkg/coord"
)

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

// Requires a reachable server, e.g. CCPLANE_TEST_REDIS=127.0.0.1:6379.
func TestRedisPresenceLease(t *testing.T) {
	addr := os.Getenv("CCPLANE_TEST_REDIS")
	if addr == "" {
		t.Skip("CCPLANE_TEST_REDIS not set")
	}

	ctx := context.Background()
	cfg := Config{
		Addr:         addr,
		Root:         fmt.Sprintf("/ccplane-test-%d", time.Now().UnixNano()),
		LeaseTTL:     time.Second,
		PollInterval: 50 * time.Millisecond,
	}
	agentSide, err := New(ctx, cfg)
	require.NoError(t, err)
	controller, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = controller.Close() }()

	var mu sync.Mutex
	var latest []string
	w, err := controller.WatchChildren(ctx, "z1", func(ev coord.Event) {
		if ev.Type == coord.EventChildren {
			mu.Lock()
			latest = ev.Children
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer w.Cancel()

	reg, err := agentSide.Register(ctx, "z1", "agent-1", []byte("payload"))
	require.NoError(t, err)

	_, err = controller.Register(ctx, "z1", "agent-1", nil)
	assert.ErrorIs(t, err, coord.ErrNodeExists)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0] == "agent-1"
	}, 5*time.Second, 20*time.Millisecond)

	// Survives past one TTL because the lease is refreshed.
	time.Sleep(1500 * time.Millisecond)
	data, err := controller.Data(ctx, "z1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, reg.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, agentSide.Close())
}
