// Package config loads ccplane configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the user
// config file, the project config file, an explicit --config file,
// CCPLANE_* environment variables, and runtime overrides.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the ccplane identity.
func DefaultIdentity() *Identity {
	return &Identity{
		BinaryName: "ccplane",
		EnvPrefix:  "CCPLANE",
		ConfigName: "ccplane",
	}
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile sets an explicit config file merged above discovered files.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// GetIdentity returns the identity used by the last Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetConfig returns the last loaded configuration, or nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Each override is a nested map applied with
// the highest precedence, later maps winning.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	setDefaults(v, appIdentity)

	for _, path := range configPathsLocked() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range envSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper, id *Identity) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("data_dir", gfconfig.GetAppDataDir(id.ConfigName))

	v.SetDefault("coord.backend", CoordMemory)
	v.SetDefault("coord.root", "/ccplane")
	v.SetDefault("coord.servers", []string{})
	v.SetDefault("coord.session_timeout", "10s")
	v.SetDefault("coord.redis_addr", "")
	v.SetDefault("coord.redis_password", "")
	v.SetDefault("coord.redis_db", 0)
	v.SetDefault("coord.lease_ttl", "10s")
	v.SetDefault("coord.poll_interval", "1s")

	v.SetDefault("registry.staleness_window", "30s")
	v.SetDefault("registry.offline_retention", "10m")
	v.SetDefault("registry.liveness_timeout", "0s")
	v.SetDefault("registry.sweep_interval", "5s")

	v.SetDefault("zones.reconcile_interval", "2s")
	v.SetDefault("zones.provision_timeout", "5m")
	v.SetDefault("zones.scale_down_grace", "2m")
	v.SetDefault("zones.backoff_base", "1s")
	v.SetDefault("zones.backoff_max", "1m")
	v.SetDefault("zones.max_attempts", 5)
	v.SetDefault("zones.provision_rate", 2.0)

	v.SetDefault("dispatch.interval", "200ms")
	v.SetDefault("dispatch.response_timeout", "60s")
	v.SetDefault("dispatch.submit_deadline", "0s")
	v.SetDefault("dispatch.transmit_timeout", "10s")
	v.SetDefault("dispatch.retention", "10m")
	v.SetDefault("dispatch.agent_retries", 2)
	v.SetDefault("dispatch.agent_token", "")

	v.SetDefault("jobs.default_zone", "")
	v.SetDefault("jobs.retention", "1h")

	v.SetDefault("history.path", "")
	v.SetDefault("history.url", "")
	v.SetDefault("history.auth_token", "")

	v.SetDefault("logs.backend", LogsFile)
	v.SetDefault("logs.dir", "")
	v.SetDefault("logs.bucket", "")
	v.SetDefault("logs.prefix", "")
	v.SetDefault("logs.region", "")
	v.SetDefault("logs.endpoint", "")

	v.SetDefault("providers.local.enabled", true)
	v.SetDefault("providers.local.host", "127.0.0.1")
	v.SetDefault("providers.local.executor", "shell")
	v.SetDefault("providers.local.heartbeat_interval", "10s")
	v.SetDefault("providers.ec2.enabled", false)
	v.SetDefault("providers.ec2.instance_type", "t3.medium")

	v.SetDefault("admin.token", "")
}

// envSpec maps one environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsLocked()
}

var envPaths = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",

	"LOG_LEVEL":   "logging.level",
	"LOG_PROFILE": "logging.profile",
	"LOG_FILE":    "logging.file",

	"METRICS_ENABLED": "metrics.enabled",
	"METRICS_PORT":    "metrics.port",
	"HEALTH_ENABLED":  "health.enabled",
	"DEBUG":           "debug.enabled",
	"PPROF_ENABLED":   "debug.pprof_enabled",

	"DATA_DIR": "data_dir",

	"COORD_BACKEND":  "coord.backend",
	"COORD_ROOT":     "coord.root",
	"ZK_SERVERS":     "coord.servers",
	"REDIS_ADDR":     "coord.redis_addr",
	"REDIS_PASSWORD": "coord.redis_password",

	"RESPONSE_TIMEOUT": "dispatch.response_timeout",
	"SUBMIT_DEADLINE":  "dispatch.submit_deadline",
	"AGENT_TOKEN":      "dispatch.agent_token",
	"DEFAULT_ZONE":     "jobs.default_zone",

	"HISTORY_PATH":       "history.path",
	"HISTORY_URL":        "history.url",
	"HISTORY_AUTH_TOKEN": "history.auth_token",

	"LOGS_BACKEND":  "logs.backend",
	"LOGS_DIR":      "logs.dir",
	"LOGS_BUCKET":   "logs.bucket",
	"LOGS_PREFIX":   "logs.prefix",
	"LOGS_REGION":   "logs.region",
	"LOGS_ENDPOINT": "logs.endpoint",

	"EC2_ENABLED":  "providers.ec2.enabled",
	"EC2_REGION":   "providers.ec2.region",
	"EC2_ENDPOINT": "providers.ec2.endpoint",
	"EC2_IMAGE_ID": "providers.ec2.image_id",

	"ADMIN_TOKEN": "admin.token",
}

func envSpecsLocked() []envSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []envSpec{}
	}
	specs := make([]envSpec, 0, len(envPaths))
	for suffix, path := range envPaths {
		specs = append(specs, envSpec{Name: appIdentity.EnvPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPathsLocked()
}

func userConfigPathsLocked() []string {
	if appIdentity == nil || appIdentity.ConfigName == "" {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, appIdentity.ConfigName, appIdentity.ConfigName+".yaml")}
}

func configPathsLocked() []string {
	paths := userConfigPathsLocked()
	if appIdentity != nil && appIdentity.ConfigName != "" {
		if root, err := findProjectRoot(); err == nil {
			paths = append(paths,
				filepath.Join(root, appIdentity.ConfigName+".yaml"),
				filepath.Join(root, "."+appIdentity.ConfigName+".yaml"),
			)
		}
	}
	if configFile != "" {
		paths = append(paths, configFile)
	}
	return paths
}

// ciBoundaryVars are checked in order when running under CI. A usable
// value is an absolute existing directory that contains the working dir.
var ciBoundaryVars = []string{
	"CCPLANE_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

// findProjectRoot locates the project directory: a CI workspace boundary
// when one applies, else the nearest ancestor holding go.mod or a ccplane
// config file, else the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	if isCI() {
		for _, name := range ciBoundaryVars {
			if root, ok := boundary(os.Getenv(name), cwd); ok {
				return root, nil
			}
		}
	}

	markers := []string{"go.mod", "ccplane.yaml", ".ccplane.yaml"}
	for dir := cwd; ; {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	return strings.EqualFold(os.Getenv("CI"), "true") || strings.EqualFold(os.Getenv("GITHUB_ACTIONS"), "true")
}

func boundary(candidate, cwd string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || !filepath.IsAbs(candidate) {
		return "", false
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.IsDir() {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(candidate), cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Clean(candidate), true
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// durationOr returns d when positive, else def.
func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
