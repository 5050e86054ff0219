package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/config"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/internal/server"
	"github.com/3leaps/ccplane/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control center server",
	Long: `Run the control center: the agent registry, zone manager, command
dispatcher and job orchestrator behind the REST API.

Configuration is read from ccplane.yaml and CCPLANE_* environment variables.
Flags override both.

Examples:
  ccplane serve
  ccplane serve --port 9000 --coord zookeeper --zk zk1:2181,zk2:2181
  CCPLANE_COORD_BACKEND=redis CCPLANE_REDIS_ADDR=localhost:6379 ccplane serve`,
	RunE: runServe,
}

var (
	serveHost    string
	servePort    int
	serveCoord   string
	serveZK      []string
	serveRedis   string
	serveDataDir string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveCoord, "coord", "", "Coordination backend: memory, zookeeper or redis")
	serveCmd.Flags().StringSliceVar(&serveZK, "zk", nil, "ZooKeeper servers (host:port, comma separated)")
	serveCmd.Flags().StringVar(&serveRedis, "redis", "", "Redis address (host:port)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory for zones, history and logs")
}

// serveOverrides turns set flags into config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			out[key] = v
		}
	}
	set("host", "server.host", serveHost)
	set("port", "server.port", servePort)
	set("coord", "coord.backend", serveCoord)
	set("zk", "coord.servers", serveZK)
	set("redis", "coord.redis_addr", serveRedis)
	set("data-dir", "data_dir", serveDataDir)
	if verbose {
		out["logging.level"] = "debug"
	}
	return out
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	identity := GetAppIdentity()
	if identity == nil {
		identity = config.DefaultIdentity()
	}

	logger, err := observability.InitServerLogger(identity.BinaryName, cfg.Logging)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to initialize logging", err)
	}
	defer func() { _ = logger.Sync() }()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.InitTelemetry()
	}

	cp, err := newControlPlane(ctx, cfg, logger, metrics)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start control center", err)
	}
	defer cp.close()

	hm := handlers.InitHealthManager(versionInfo.Version)
	registerHealthCheckers(hm, cfg, identity, cp)

	opts := []server.Option{
		server.WithAPI(cp.api()),
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
		server.WithPprof(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
	}
	var metricsSrv *http.Server
	if metrics != nil {
		if cfg.Metrics.Port <= 0 || cfg.Metrics.Port == cfg.Server.Port {
			opts = append(opts, server.WithMetrics(metrics.Handler()))
		} else {
			metricsSrv = &http.Server{
				Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
				Handler:           metrics.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
		}
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cp.start(runCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start control center", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	if metricsSrv != nil {
		go func() {
			logger.Info("Metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	hm.SetStarted(true)
	logger.Info("Control center started",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.String("coord", cfg.Coord.Backend),
		zap.String("logs", cfg.Logs.Backend))

	var serveErr error
	select {
	case <-runCtx.Done():
		logger.Info("Shutdown requested")
	case serveErr = <-errCh:
	}

	hm.SetStarted(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	cp.close()
	logger.Info("Control center stopped")

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", serveErr)
	}
	return nil
}

func registerHealthCheckers(hm *handlers.HealthManager, cfg *config.Config, id *config.Identity, cp *controlPlane) {
	hm.RegisterChecker("signals", signalHealthChecker{})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	if cp.db != nil {
		hm.RegisterChecker("history", handlers.HealthCheckerFunc(cp.db.PingContext))
	}
	hm.RegisterChecker("zones", zonesHealthChecker{zones: cp.zones})
}

type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.Telemetry == nil {
		return fmt.Errorf("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("missing env prefix")
	case c.configName == "":
		return fmt.Errorf("missing config name")
	}
	return nil
}

// zonesHealthChecker fails while any zone is degraded.
type zonesHealthChecker struct {
	zones handlers.ZoneManager
}

func (c zonesHealthChecker) CheckHealth(context.Context) error {
	if c.zones == nil {
		return nil
	}
	var degraded []string
	for _, z := range c.zones.Zones() {
		if z.Degraded {
			degraded = append(degraded, z.Name)
		}
	}
	if len(degraded) > 0 {
		return fmt.Errorf("degraded zones: %s", strings.Join(degraded, ", "))
	}
	return nil
}
