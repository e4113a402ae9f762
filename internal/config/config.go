package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CARSXML_INPUT.
const EnvPrefix = "CARSXML"

// Config holds the startup configuration. It is built once before the
// listener starts and treated as read-only afterwards.
type Config struct {
	InputFile string `mapstructure:"input"`
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"` // "development" switches to the console encoder
}

// MetricsConfig controls the separate Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty disables /metrics
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"` // host:port of an OTLP/HTTP collector, empty disables export
}

// requiredOption pairs a config key with the flag spelling shown to users.
type requiredOption struct {
	key  string
	flag string
}

var requiredOptions = []requiredOption{
	{key: "input", flag: "-i, --input <file>"},
	{key: "host", flag: "-h, --host <host>"},
	{key: "port", flag: "-p, --port <port>"},
}

// MissingOptionError reports a required option that was not supplied by any source.
type MissingOptionError struct {
	Flag string
}

func (e *MissingOptionError) Error() string {
	return fmt.Sprintf("error: required option '%s' not specified", e.Flag)
}

// SetDefaults registers the defaults for optional keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "carsxml")
}

// keys lists every setting so Unmarshal sees env-only values.
var keys = []string{
	"input", "host", "port",
	"logging.level", "logging.environment",
	"metrics.listen_addr",
	"tracing.service_name", "tracing.endpoint",
}

// NewViper returns a viper instance wired for CARSXML_* environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	SetDefaults(v)
	return v
}

// Load reads the optional YAML config file (if path is set), unmarshals v and
// checks the required options in flag order.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for _, opt := range requiredOptions {
		if v.GetString(opt.key) == "" {
			return nil, &MissingOptionError{Flag: opt.flag}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ListenAddr joins host and port into a dialable address.
func (c *Config) ListenAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + c.Port
}

// BaseURL is the address announced at startup.
func (c *Config) BaseURL() string {
	return "http://" + c.ListenAddr() + "/"
}
