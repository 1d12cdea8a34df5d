// Package config loads the process configuration from defaults, an
// optional YAML file, and environment variable overrides, in that
// order of precedence.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fluxion.yaml").
//	    WithEnvPrefix("FLUXION").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Sandbox SandboxConfig `yaml:"sandbox" env:"SANDBOX"`
	Webhook WebhookConfig `yaml:"webhook" env:"WEBHOOK"`
	History HistoryConfig `yaml:"history" env:"HISTORY"`
	Redis   RedisConfig   `yaml:"redis" env:"REDIS"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// EngineConfig sizes the execution core.
type EngineConfig struct {
	// Workers is the number of pool workers dispatching ready nodes.
	Workers int `yaml:"workers" env:"WORKERS"`
	// QueueSize bounds the pending task queue.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// SandboxConfig tunes code node execution.
type SandboxConfig struct {
	// DefaultTimeout bounds one sandboxed execution.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// NodePath is the JavaScript interpreter binary.
	NodePath string `yaml:"node_path" env:"NODE_PATH"`
}

// WebhookConfig limits webhook ingress.
type WebhookConfig struct {
	// Rate caps deliveries per second per binding; zero disables.
	Rate  float64 `yaml:"rate" env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// HistoryConfig configures execution persistence.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// DSN is the sqlite database path, ":memory:" for ephemeral storage.
	DSN string `yaml:"dsn" env:"DSN"`
	// Retention is how long stored executions are kept.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// RedisConfig configures the cross-process event fan-out.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the Prometheus surface.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Sandbox: SandboxConfig{
			DefaultTimeout: 30 * time.Second,
			NodePath:       "node",
		},
		Webhook: WebhookConfig{
			Rate:  10,
			Burst: 20,
		},
		History: HistoryConfig{
			Enabled:   false,
			DSN:       "fluxion.db",
			Retention: 30 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "fluxion:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "fluxion",
		},
	}
}

// Loader assembles a Config from its sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with no file and no env prefix.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and env apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix enables environment overrides under the given prefix,
// e.g. FLUXION_ENGINE_WORKERS.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if l.envPrefix != "" {
		if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", l.configPath, err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and overrides fields whose composed
// env key is set, e.g. prefix_SECTION_FIELD.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be at least 1, got %d", c.Engine.QueueSize)
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// MustLoad loads with the given file path and panics on failure. For
// main functions only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithEnvPrefix("FLUXION").Load()
	if err != nil {
		panic(fmt.Sprintf("loading config: %v", err))
	}
	return cfg
}

// Keys reports the env override keys the loader recognizes, for help
// output.
func Keys(prefix string) []string {
	var out []string
	collectKeys(reflect.TypeOf(Config{}), prefix, &out)
	return out
}

func collectKeys(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag
		ft := t.Field(i).Type
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Duration(0)) {
			collectKeys(ft, key, out)
			continue
		}
		*out = append(*out, strings.ToUpper(key))
	}
}
