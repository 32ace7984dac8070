package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tether/internal/observability"
)

// Config is the full daemon configuration, loadable from a YAML file with
// TETHER_* environment overrides layered on top.
type Config struct {
	Server        ServerConfig         `mapstructure:"server"`
	Runtime       RuntimeConfig        `mapstructure:"runtime"`
	Poll          PollConfig           `mapstructure:"poll"`
	SeedFile      string               `mapstructure:"seed_file"`
	Observability observability.Config `mapstructure:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// RuntimeConfig points at the remote agent runtime.
type RuntimeConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// PollConfig tunes the session poll loop.
type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

// Default returns the built-in configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8420",
		},
		Runtime: RuntimeConfig{
			BaseURL:     "http://127.0.0.1:4096",
			PollTimeout: 15 * time.Second,
		},
		Poll: PollConfig{
			Interval:     2 * time.Second,
			InitialDelay: 1500 * time.Millisecond,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Load reads configuration from the given file path (optional) and the
// environment. Environment variables use the TETHER_ prefix with underscores
// for nesting, e.g. TETHER_RUNTIME_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tether")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tether")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("runtime.base_url", d.Runtime.BaseURL)
	v.SetDefault("runtime.poll_timeout", d.Runtime.PollTimeout)
	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.initial_delay", d.Poll.InitialDelay)
	v.SetDefault("seed_file", "")
	v.SetDefault("observability.logging.level", d.Observability.Logging.Level)
	v.SetDefault("observability.logging.format", d.Observability.Logging.Format)
	v.SetDefault("observability.metrics.enabled", d.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", d.Observability.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", d.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", d.Observability.Tracing.Exporter)
	v.SetDefault("observability.tracing.sample_rate", d.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", d.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", d.Observability.Tracing.ServiceVersion)
}

func (c *Config) validate() error {
	if c.Runtime.BaseURL == "" {
		return fmt.Errorf("runtime.base_url must not be empty")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %v", c.Poll.Interval)
	}
	if c.Poll.InitialDelay < 0 {
		return fmt.Errorf("poll.initial_delay must not be negative, got %v", c.Poll.InitialDelay)
	}
	return nil
}
