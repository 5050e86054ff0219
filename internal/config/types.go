package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/history"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/provider/ec2"
	"github.com/3leaps/ccplane/pkg/zone"
)

// Coordination backends.
const (
	CoordMemory    = "memory"
	CoordZooKeeper = "zookeeper"
	CoordRedis     = "redis"
)

// Log store backends.
const (
	LogsFile = "file"
	LogsS3   = "s3"
)

// Config is the full ccplane configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`

	// DataDir holds the zone store, history database and file logs unless
	// they are configured elsewhere.
	DataDir string `mapstructure:"data_dir"`

	Coord     CoordConfig     `mapstructure:"coord"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Zones     ZonesConfig     `mapstructure:"zones"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	History   HistoryConfig   `mapstructure:"history"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`

	// File enables rotated file output in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

type CoordConfig struct {
	Backend string `mapstructure:"backend"`
	Root    string `mapstructure:"root"`

	// ZooKeeper.
	Servers        []string      `mapstructure:"servers"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	// Redis.
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

type RegistryConfig struct {
	StalenessWindow  time.Duration `mapstructure:"staleness_window"`
	OfflineRetention time.Duration `mapstructure:"offline_retention"`
	LivenessTimeout  time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type ZonesConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ProvisionTimeout  time.Duration `mapstructure:"provision_timeout"`
	ScaleDownGrace    time.Duration `mapstructure:"scale_down_grace"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ProvisionRate     float64       `mapstructure:"provision_rate"`
}

type DispatchConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	SubmitDeadline  time.Duration `mapstructure:"submit_deadline"`
	TransmitTimeout time.Duration `mapstructure:"transmit_timeout"`
	Retention       time.Duration `mapstructure:"retention"`
	AgentRetries    int           `mapstructure:"agent_retries"`
	AgentToken      string        `mapstructure:"agent_token"`
}

type JobsConfig struct {
	DefaultZone string        `mapstructure:"default_zone"`
	Retention   time.Duration `mapstructure:"retention"`
}

type HistoryConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type LogsConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type ProvidersConfig struct {
	Local LocalProviderConfig `mapstructure:"local"`
	EC2   EC2ProviderConfig   `mapstructure:"ec2"`
}

type LocalProviderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`

	// Executor is "shell" or "sim".
	Executor          string        `mapstructure:"executor"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type EC2ProviderConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	Region           string            `mapstructure:"region"`
	Endpoint         string            `mapstructure:"endpoint"`
	Profile          string            `mapstructure:"profile"`
	ImageID          string            `mapstructure:"image_id"`
	InstanceType     string            `mapstructure:"instance_type"`
	SubnetID         string            `mapstructure:"subnet_id"`
	SecurityGroupIDs []string          `mapstructure:"security_group_ids"`
	KeyName          string            `mapstructure:"key_name"`
	InstanceProfile  string            `mapstructure:"instance_profile"`
	UserData         string            `mapstructure:"user_data"`
	Tags             map[string]string `mapstructure:"tags"`
}

type AdminConfig struct {
	// Token guards mutating zone endpoints. Empty disables the guard.
	Token string `mapstructure:"token"`
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToUpper(strings.TrimSpace(c.Logging.Profile))
	c.Coord.Backend = strings.ToLower(strings.TrimSpace(c.Coord.Backend))
	c.Logs.Backend = strings.ToLower(strings.TrimSpace(c.Logs.Backend))
	c.Providers.Local.Executor = strings.ToLower(strings.TrimSpace(c.Providers.Local.Executor))
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Logging.Profile {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("invalid logging profile %q (expected structured or console)", c.Logging.Profile)
	}
	switch c.Coord.Backend {
	case CoordMemory:
	case CoordZooKeeper:
		if len(c.Coord.Servers) == 0 {
			return fmt.Errorf("coord backend zookeeper requires coord.servers")
		}
	case CoordRedis:
		if strings.TrimSpace(c.Coord.RedisAddr) == "" {
			return fmt.Errorf("coord backend redis requires coord.redis_addr")
		}
	default:
		return fmt.Errorf("invalid coord backend %q", c.Coord.Backend)
	}
	switch c.Logs.Backend {
	case LogsFile:
	case LogsS3:
		if strings.TrimSpace(c.Logs.Bucket) == "" {
			return fmt.Errorf("logs backend s3 requires logs.bucket")
		}
	default:
		return fmt.Errorf("invalid logs backend %q", c.Logs.Backend)
	}
	switch c.Providers.Local.Executor {
	case "shell", "sim":
	default:
		return fmt.Errorf("invalid local executor %q", c.Providers.Local.Executor)
	}
	return nil
}

// ZoneStoreDir is where zone definitions are persisted.
func (c *Config) ZoneStoreDir() string {
	return filepath.Join(c.DataDir, "zones")
}

// LogsDir is the file log store directory.
func (c *Config) LogsDir() string {
	if c.Logs.Dir != "" {
		return c.Logs.Dir
	}
	return filepath.Join(c.DataDir, "logs")
}

// HistoryStore returns the history database location.
func (c *Config) HistoryStore() history.Config {
	out := history.Config{Path: c.History.Path, URL: c.History.URL, AuthToken: c.History.AuthToken}
	if out.Path == "" && out.URL == "" {
		out.Path = filepath.Join(c.DataDir, history.DefaultFileName)
	}
	return out
}

// AgentRegistry returns the registry configuration.
func (c *Config) AgentRegistry() agent.Config {
	def := agent.DefaultConfig()
	return agent.Config{
		StalenessWindow:  durationOr(c.Registry.StalenessWindow, def.StalenessWindow),
		OfflineRetention: durationOr(c.Registry.OfflineRetention, def.OfflineRetention),
		LivenessTimeout:  c.Registry.LivenessTimeout,
		SweepInterval:    durationOr(c.Registry.SweepInterval, def.SweepInterval),
	}
}

// ZoneManager returns the zone manager configuration.
func (c *Config) ZoneManager() zone.Config {
	out := zone.DefaultConfig()
	out.ReconcileInterval = durationOr(c.Zones.ReconcileInterval, out.ReconcileInterval)
	out.ProvisionTimeout = durationOr(c.Zones.ProvisionTimeout, out.ProvisionTimeout)
	out.ScaleDownGrace = durationOr(c.Zones.ScaleDownGrace, out.ScaleDownGrace)
	out.BackoffBase = durationOr(c.Zones.BackoffBase, out.BackoffBase)
	out.BackoffMax = durationOr(c.Zones.BackoffMax, out.BackoffMax)
	if c.Zones.MaxAttempts > 0 {
		out.MaxAttempts = c.Zones.MaxAttempts
	}
	if c.Zones.ProvisionRate > 0 {
		out.ProvisionRate = c.Zones.ProvisionRate
	}
	return out
}

// Dispatcher returns the command dispatcher configuration.
func (c *Config) Dispatcher() command.Config {
	out := command.DefaultConfig()
	out.DispatchInterval = durationOr(c.Dispatch.Interval, out.DispatchInterval)
	out.ResponseTimeout = durationOr(c.Dispatch.ResponseTimeout, out.ResponseTimeout)
	out.TransmitTimeout = durationOr(c.Dispatch.TransmitTimeout, out.TransmitTimeout)
	out.Retention = durationOr(c.Dispatch.Retention, out.Retention)
	out.SubmitDeadline = c.Dispatch.SubmitDeadline
	return out
}

// Orchestrator returns the job orchestrator configuration.
func (c *Config) Orchestrator() job.Config {
	return job.Config{DefaultZone: c.Jobs.DefaultZone, Retention: c.Jobs.Retention}
}

// EC2 returns the EC2 provider configuration.
func (c *Config) EC2() ec2.Config {
	p := c.Providers.EC2
	return ec2.Config{
		Region:           p.Region,
		Endpoint:         p.Endpoint,
		Profile:          p.Profile,
		ImageID:          p.ImageID,
		InstanceType:     p.InstanceType,
		SubnetID:         p.SubnetID,
		SecurityGroupIDs: p.SecurityGroupIDs,
		KeyName:          p.KeyName,
		InstanceProfile:  p.InstanceProfile,
		UserData:         p.UserData,
		Tags:             p.Tags,
	}
}
