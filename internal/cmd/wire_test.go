package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/client"
	"github.com/3leaps/ccplane/internal/config"
	"github.com/3leaps/ccplane/internal/server"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/zone"
)

const wireFlow = `
name: ci
zone: ci
env:
  CI: "1"
children:
  - name: build
    script: |
      env CI
      env EXTRA
      exit 0
  - name: lint
    script: exit 3
    allow_failure: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Coord:   config.CoordConfig{Backend: config.CoordMemory},
		Logs:    config.LogsConfig{Backend: config.LogsFile},
		Zones:   config.ZonesConfig{ReconcileInterval: 50 * time.Millisecond},
		Dispatch: config.DispatchConfig{
			Interval:        20 * time.Millisecond,
			ResponseTimeout: 10 * time.Second,
		},
		Providers: config.ProvidersConfig{
			Local: config.LocalProviderConfig{Host: "127.0.0.1", HeartbeatInterval: time.Second},
		},
	}
}

func startControlPlane(t *testing.T) (*controlPlane, *client.Client) {
	t.Helper()
	ctx := context.Background()

	cp, err := newControlPlane(ctx, testConfig(t), zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(cp.close)
	require.NoError(t, cp.start(ctx))

	srv := httptest.NewServer(server.New("127.0.0.1", 0, server.WithAPI(cp.api())).Handler())
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return cp, c
}

func TestControlPlaneEndToEnd(t *testing.T) {
	cp, c := startControlPlane(t)
	ctx := context.Background()

	_, err := c.CreateZone(ctx, zone.Zone{Name: "ci", Provider: "test", MinSize: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.GetZone(ctx, "ci")
		return err == nil && st.Agents.Idle >= 1
	}, 10*time.Second, 50*time.Millisecond, "zone never reached one idle agent")

	t.Run("command runs on a provisioned agent", func(t *testing.T) {
		id, err := c.SendCommand(ctx, "ci", command.Payload{Script: "hello from ci\nexit 0"})
		require.NoError(t, err)

		var got command.Command
		require.Eventually(t, func() bool {
			got, err = c.GetCommand(ctx, id)
			return err == nil && got.Status.Terminal()
		}, 10*time.Second, 50*time.Millisecond)
		assert.Equal(t, command.StatusSuccess, got.Status)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 0, *got.ExitCode)

		var buf bytes.Buffer
		require.NoError(t, c.DownloadLog(ctx, id, &buf))
		assert.Contains(t, buf.String(), "hello from ci")
	})

	t.Run("failing command reports exit code", func(t *testing.T) {
		id, err := c.SendCommand(ctx, "ci", command.Payload{Script: "exit 7"})
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		got, err := cp.commands.Wait(waitCtx, id)
		require.NoError(t, err)
		assert.Equal(t, command.StatusFailure, got.Status)
		require.NotNil(t, got.ExitCode)
		assert.Equal(t, 7, *got.ExitCode)
	})

	t.Run("job with tolerated failure succeeds with warnings", func(t *testing.T) {
		started, err := c.RunJob(ctx, []byte(wireFlow), client.RunOptions{Env: map[string]string{"EXTRA": "yes"}})
		require.NoError(t, err)
		require.NotEmpty(t, started.ID)

		waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		done, err := cp.jobs.Wait(waitCtx, started.ID)
		require.NoError(t, err)

		assert.Equal(t, job.StatusSuccess, done.Status)
		assert.Len(t, done.Warnings, 1)
		require.Len(t, done.Steps, 2)
		assert.Equal(t, job.StatusSuccess, done.Steps[0].Status)
		assert.Equal(t, job.StatusFailure, done.Steps[1].Status)

		fetched, err := c.GetJob(ctx, started.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusSuccess, fetched.Status)

		var buf bytes.Buffer
		require.NoError(t, c.DownloadLog(ctx, done.Steps[0].CommandID, &buf))
		assert.Contains(t, buf.String(), "CI=1")
		assert.Contains(t, buf.String(), "EXTRA=yes")
	})

	t.Run("unknown zone is rejected", func(t *testing.T) {
		_, err := c.SendCommand(ctx, "nope", command.Payload{Script: "exit 0"})
		require.Error(t, err)
		assert.True(t, client.IsNotFound(err), err)
	})
}

func TestControlPlaneRestoresZones(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := newControlPlane(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, first.start(ctx))
	_, err = first.zones.CreateZone(ctx, zone.Zone{Name: "linux", Provider: "test"})
	require.NoError(t, err)
	first.close()

	second, err := newControlPlane(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(second.close)
	require.NoError(t, second.start(ctx))

	st, err := second.zones.Get("linux")
	require.NoError(t, err)
	assert.Equal(t, "test", st.Zone.Provider)
}

func TestOpenCoordRejectsUnknownBackend(t *testing.T) {
	_, err := openCoord(context.Background(), config.CoordConfig{Backend: "etcd"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}
