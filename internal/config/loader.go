package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env binding.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the stillpoint identity.
var DefaultIdentity = Identity{
	BinaryName: "stillpoint",
	EnvPrefix:  "STILLPOINT",
	ConfigName: "stillpoint",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile selects an explicit YAML file for subsequent loads. An
// empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envAliases are short names kept alongside the derived
// <PREFIX>_<SECTION>_<KEY> names.
var envAliases = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"METRICS_ENABLED":  "metrics.enabled",
	"METRICS_PORT":     "metrics.port",
	"WORKERS":          "workers",
	"BUCKET":           "storage.bucket",
	"REGION":           "storage.region",
	"ENDPOINT":         "storage.endpoint",
	"BASE_DIR":         "storage.base_dir",
	"JOB_TTL":          "jobs.ttl",
	"AMQP_URL":         "trigger.amqp_url",
	"TRIGGER_MODE":     "trigger.mode",
}

// getEnvSpecs lists every bound variable, or nothing before an identity is
// established.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	prefix := id.EnvPrefix + "_"
	specs := make([]EnvSpec, 0, len(envAliases)+64)
	for name, path := range envAliases {
		specs = append(specs, EnvSpec{Name: prefix + name, Path: path})
	}
	for _, path := range defaultKeys() {
		specs = append(specs, EnvSpec{Name: prefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_")), Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// getUserConfigPaths lists candidate config files in search order.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	name := id.ConfigName + ".yaml"
	var paths []string
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, id.ConfigName, name))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName, name))
	}
	paths = append(paths, name)
	return paths
}

// Load builds the configuration and makes it current for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}
	for _, p := range getUserConfigPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", p, err)
		}
		return nil
	}
	return nil
}

// flatten turns nested override maps into dotted keys.
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

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		errs = append(errs, fmt.Errorf("logging.profile %q must be STRUCTURED or CONSOLE", c.Logging.Profile))
	}
	switch c.Storage.Provider {
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 provider"))
		}
	case "file":
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir is required for the file provider"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.provider %q must be s3, file or memory", c.Storage.Provider))
	}
	switch c.Trigger.Mode {
	case "local":
	case "amqp":
		if c.Trigger.AMQPURL == "" {
			errs = append(errs, errors.New("trigger.amqp_url is required in amqp mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("trigger.mode %q must be local or amqp", c.Trigger.Mode))
	}
	for name, b := range map[string]BreakerConfig{"ai": c.Breakers.AI, "tts": c.Breakers.TTS, "storage": c.Breakers.Storage} {
		if b.FailureThreshold < 1 {
			errs = append(errs, fmt.Errorf("breakers.%s.failure_threshold must be at least 1", name))
		}
	}
	if c.Jobs.TTL <= 0 {
		errs = append(errs, errors.New("jobs.ttl must be positive"))
	}
	return errors.Join(errs...)
}
