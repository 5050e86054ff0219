package cmd

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/pkg/zone"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestTelemetryHealthChecker(t *testing.T) {
	checker := telemetryHealthChecker{}

	t.Run("returns error when telemetry not initialized", func(t *testing.T) {
		orig := observability.Telemetry
		defer func() { observability.Telemetry = orig }()

		observability.Telemetry = nil

		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telemetry system not initialized")
	})

	t.Run("returns nil once initialized", func(t *testing.T) {
		orig := observability.Telemetry
		defer func() { observability.Telemetry = orig }()

		observability.Telemetry = observability.NewMetrics()
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type stubZones struct {
	zones []zone.Zone
}

func (s stubZones) CreateZone(_ context.Context, z zone.Zone) (zone.Zone, error) { return z, nil }
func (s stubZones) Zones() []zone.Zone                                            { return s.zones }
func (s stubZones) Get(name string) (zone.Status, error) {
	for _, z := range s.zones {
		if z.Name == name {
			return zone.Status{Zone: z}, nil
		}
	}
	return zone.Status{}, zone.ErrZoneNotFound
}

func TestZonesHealthChecker(t *testing.T) {
	t.Run("nil manager", func(t *testing.T) {
		assert.NoError(t, zonesHealthChecker{}.CheckHealth(context.Background()))
	})

	t.Run("healthy zones", func(t *testing.T) {
		c := zonesHealthChecker{zones: stubZones{zones: []zone.Zone{{Name: "linux"}, {Name: "mac"}}}}
		assert.NoError(t, c.CheckHealth(context.Background()))
	})

	t.Run("degraded zones are named", func(t *testing.T) {
		c := zonesHealthChecker{zones: stubZones{zones: []zone.Zone{
			{Name: "linux", Degraded: true, DegradedReason: "provider: quota"},
			{Name: "mac"},
			{Name: "win", Degraded: true},
		}}}
		err := c.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Equal(t, "degraded zones: linux, win", err.Error())
	})
}

func TestServeOverrides(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "serve"}
		c.Flags().StringVar(&serveHost, "host", "", "")
		c.Flags().IntVarP(&servePort, "port", "p", 0, "")
		c.Flags().StringVar(&serveCoord, "coord", "", "")
		c.Flags().StringSliceVar(&serveZK, "zk", nil, "")
		c.Flags().StringVar(&serveRedis, "redis", "", "")
		c.Flags().StringVar(&serveDataDir, "data-dir", "", "")
		return c
	}
	origVerbose := verbose
	defer func() { verbose = origVerbose }()
	verbose = false

	t.Run("unset flags produce no overrides", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags(nil))
		assert.Empty(t, serveOverrides(c))
	})

	t.Run("set flags map to config keys", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags([]string{"--port", "9000", "--coord", "zookeeper", "--zk", "a:2181,b:2181"}))
		got := serveOverrides(c)
		assert.Equal(t, 9000, got["server.port"])
		assert.Equal(t, "zookeeper", got["coord.backend"])
		assert.Equal(t, []string{"a:2181", "b:2181"}, got["coord.servers"])
		assert.NotContains(t, got, "server.host")
		assert.NotContains(t, got, "logging.level")
	})

	t.Run("verbose raises log level", func(t *testing.T) {
		verbose = true
		c := newCmd()
		require.NoError(t, c.ParseFlags(nil))
		assert.Equal(t, "debug", serveOverrides(c)["logging.level"])
	})
}
