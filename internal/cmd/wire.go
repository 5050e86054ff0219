package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/ccplane/internal/config"
	"github.com/3leaps/ccplane/internal/observability"
	"github.com/3leaps/ccplane/internal/server/handlers"
	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/agentclient"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/coord"
	"github.com/3leaps/ccplane/pkg/coord/redis"
	"github.com/3leaps/ccplane/pkg/coord/zookeeper"
	"github.com/3leaps/ccplane/pkg/history"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/logstore"
	"github.com/3leaps/ccplane/pkg/provider"
	"github.com/3leaps/ccplane/pkg/provider/ec2"
	"github.com/3leaps/ccplane/pkg/provider/local"
	"github.com/3leaps/ccplane/pkg/zone"
	"github.com/3leaps/ccplane/pkg/zonestore"
)

// controlPlane is the assembled set of services behind 'serve'.
type controlPlane struct {
	cfg    *config.Config
	logger *zap.Logger

	coord     coord.Client
	agents    *agent.Registry
	providers *provider.Registry
	locals    []*local.Provider
	logs      logstore.Store
	db        *sql.DB
	history   *history.Recorder
	zones     *zone.Manager
	commands  *command.Dispatcher
	jobs      *job.Orchestrator
	metrics   *observability.Metrics

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newControlPlane builds every service from cfg. Nothing runs until start.
// On error, anything already opened is closed.
func newControlPlane(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*controlPlane, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cp := &controlPlane{cfg: cfg, logger: logger, metrics: metrics}
	if err := cp.build(ctx); err != nil {
		cp.close()
		return nil, err
	}
	return cp, nil
}

func (cp *controlPlane) build(ctx context.Context) error {
	var err error
	cfg, logger, metrics := cp.cfg, cp.logger, cp.metrics

	if cp.coord, err = openCoord(ctx, cfg.Coord, logger); err != nil {
		cp.coord = nil
		return fmt.Errorf("coordination service: %w", err)
	}

	regCfg := cfg.AgentRegistry()
	regCfg.Logger = logger
	cp.agents = agent.New(regCfg)

	if cp.logs, err = openLogStore(ctx, cfg); err != nil {
		cp.logs = nil
		return fmt.Errorf("log store: %w", err)
	}

	if cp.db, err = history.Open(ctx, cfg.HistoryStore()); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err = history.Migrate(ctx, cp.db); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	cp.history = history.NewRecorder(cp.db)

	if err = cp.registerProviders(ctx); err != nil {
		return err
	}

	zoneCfg := cfg.ZoneManager()
	zoneCfg.Logger = logger
	zoneOpts := []zone.Option{zone.WithStore(zonestore.NewStore(cfg.ZoneStoreDir()))}
	dispOpts := []command.Option{command.WithRecorder(cp.history)}
	if metrics != nil {
		zoneOpts = append(zoneOpts, zone.WithMetrics(metrics))
		dispOpts = append(dispOpts, command.WithMetrics(metrics))
	}
	cp.zones = zone.NewManager(zoneCfg, cp.coord, cp.agents, cp.providers, zoneOpts...)

	transport := agentclient.New(cp.coord, agentclient.Config{
		Timeout:    cfg.Dispatch.TransmitTimeout,
		RetryCount: cfg.Dispatch.AgentRetries,
		Token:      cfg.Dispatch.AgentToken,
		Logger:     logger,
	})
	dispCfg := cfg.Dispatcher()
	dispCfg.Logger = logger
	cp.commands = command.New(dispCfg, cp.zones, cp.agents, transport, dispOpts...)
	for _, lp := range cp.locals {
		lp.SetReporter(cp.commands)
	}

	jobCfg := cfg.Orchestrator()
	jobCfg.Logger = logger
	cp.jobs = job.New(jobCfg, cp.commands, job.WithRecorder(cp.history))
	return nil
}

func openCoord(ctx context.Context, cfg config.CoordConfig, logger *zap.Logger) (coord.Client, error) {
	switch cfg.Backend {
	case config.CoordZooKeeper:
		c, err := zookeeper.New(zookeeper.Config{
			Servers:        cfg.Servers,
			SessionTimeout: cfg.SessionTimeout,
			Root:           cfg.Root,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.CoordRedis:
		c, err := redis.New(ctx, redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			Root:         cfg.Root,
			LeaseTTL:     cfg.LeaseTTL,
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.CoordMemory, "":
		return coord.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func openLogStore(ctx context.Context, cfg *config.Config) (logstore.Store, error) {
	switch cfg.Logs.Backend {
	case config.LogsS3:
		s, err := logstore.NewS3Store(ctx, logstore.S3Config{
			Bucket:         cfg.Logs.Bucket,
			Prefix:         cfg.Logs.Prefix,
			Region:         cfg.Logs.Region,
			Endpoint:       cfg.Logs.Endpoint,
			ForcePathStyle: cfg.Logs.Endpoint != "",
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := logstore.NewFileStore(logstore.FileConfig{BaseDir: cfg.LogsDir()})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (cp *controlPlane) registerProviders(ctx context.Context) error {
	cp.providers = provider.NewRegistry()
	lc := cp.cfg.Providers.Local

	newLocal := func(name provider.ProviderType, exec local.Executor) error {
		p, err := local.New(local.Config{
			Name:              name,
			Host:              lc.Host,
			Coord:             cp.coord,
			Executor:          exec,
			Logs:              cp.logs,
			Liveness:          cp.agents,
			HeartbeatInterval: lc.HeartbeatInterval,
			Logger:            cp.logger,
		})
		if err != nil {
			return err
		}
		if err := cp.providers.Register(string(name), p); err != nil {
			return err
		}
		cp.locals = append(cp.locals, p)
		return nil
	}

	if lc.Enabled {
		var exec local.Executor = local.ShellExecutor{}
		if lc.Executor == "sim" {
			exec = local.SimExecutor{}
		}
		if err := newLocal(provider.ProviderLocal, exec); err != nil {
			return fmt.Errorf("local provider: %w", err)
		}
	}
	if err := newLocal(provider.ProviderTest, local.SimExecutor{}); err != nil {
		return fmt.Errorf("test provider: %w", err)
	}

	if cp.cfg.Providers.EC2.Enabled {
		p, err := ec2.New(ctx, cp.cfg.EC2(), cp.logger)
		if err != nil {
			return fmt.Errorf("ec2 provider: %w", err)
		}
		if err := cp.providers.Register(string(provider.ProviderEC2), p); err != nil {
			return err
		}
	}
	return nil
}

// start restores persisted zones and runs the background loops.
func (cp *controlPlane) start(ctx context.Context) error {
	ctx, cp.cancel = context.WithCancel(ctx)
	go cp.agents.Run(ctx)
	if err := cp.zones.Restore(ctx); err != nil {
		return fmt.Errorf("restore zones: %w", err)
	}
	if err := cp.zones.Start(ctx); err != nil {
		return fmt.Errorf("start zones: %w", err)
	}
	cp.commands.Start(ctx)
	return nil
}

func (cp *controlPlane) api() *handlers.API {
	return &handlers.API{
		Agents:     cp.agents,
		Zones:      cp.zones,
		Commands:   cp.commands,
		Jobs:       cp.jobs,
		History:    cp.history,
		Logs:       cp.logs,
		AdminToken: cp.cfg.Admin.Token,
		Logger:     cp.logger.Named("api"),
	}
}

// close stops services in reverse dependency order. It is safe on a
// partially built control plane and safe to call more than once.
func (cp *controlPlane) close() {
	cp.closeOnce.Do(cp.shutdown)
}

func (cp *controlPlane) shutdown() {
	if cp.jobs != nil {
		cp.jobs.Stop()
	}
	if cp.commands != nil {
		cp.commands.Stop()
	}
	if cp.zones != nil {
		cp.zones.Stop()
	}
	if cp.cancel != nil {
		cp.cancel()
	}
	if cp.providers != nil {
		if err := cp.providers.Close(); err != nil {
			cp.logger.Warn("Closing providers failed", zap.Error(err))
		}
	}
	if cp.agents != nil {
		cp.agents.Close()
	}
	if cp.coord != nil {
		if err := cp.coord.Close(); err != nil {
			cp.logger.Warn("Closing coordination client failed", zap.Error(err))
		}
	}
	if cp.logs != nil {
		_ = cp.logs.Close()
	}
	if cp.db != nil {
		_ = cp.db.Close()
	}
}
