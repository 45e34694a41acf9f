// Package config loads kvm-monitor settings. Precedence, lowest first:
// defaults, YAML file, KVM_MONITOR_* environment variables, CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvm-monitor/internal/output"
)

const (
	DefaultLibvirtURI    = "qemu:///system"
	DefaultLibvirtSocket = "/var/run/libvirt/libvirt-sock-ro"
	DefaultDialTimeout   = 5 * time.Second
	DefaultLogLevel      = "info"
	DefaultOutputFormat  = string(output.FormatJSON)
	EnvPrefix            = "KVM_MONITOR_"
)

// Duration accepts "5s"-style scalars in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

type Config struct {
	Libvirt LibvirtConfig `yaml:"libvirt"`
	Log     LogConfig     `yaml:"log"`
	Output  OutputConfig  `yaml:"output"`
	Poll    PollConfig    `yaml:"poll"`
}

type LibvirtConfig struct {
	URI         string   `yaml:"uri"`
	Socket      string   `yaml:"socket"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type OutputConfig struct {
	Format string `yaml:"format"`
}

// PollConfig.Interval of zero means a single collection per invocation.
type PollConfig struct {
	Interval Duration `yaml:"interval"`
}

func Default() Config {
	return Config{
		Libvirt: LibvirtConfig{
			URI:         DefaultLibvirtURI,
			Socket:      DefaultLibvirtSocket,
			DialTimeout: Duration{DefaultDialTimeout},
		},
		Log:    LogConfig{Level: DefaultLogLevel},
		Output: OutputConfig{Format: DefaultOutputFormat},
	}
}

// Load reads path (if set and present) over the defaults and applies the
// environment on top. A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadFromBytes(nil)
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

func LoadFromBytes(data []byte) (Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Libvirt.URI) == "" {
		return errors.New("libvirt uri is required")
	}
	if strings.TrimSpace(c.Libvirt.Socket) == "" {
		return errors.New("libvirt socket is required")
	}
	if c.Libvirt.DialTimeout.Duration <= 0 {
		return errors.New("libvirt dial timeout must be > 0")
	}
	if c.Poll.Interval.Duration < 0 {
		return errors.New("poll interval must be >= 0")
	}
	if output.Format(c.Output.Format).IsUnknown() {
		return fmt.Errorf("unknown output format %q (supported: %s)", c.Output.Format, strings.Join(output.SupportedFormats(), ", "))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Log.Level)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Libvirt.URI = env("LIBVIRT_URI", cfg.Libvirt.URI)
	cfg.Libvirt.Socket = env("LIBVIRT_SOCKET", cfg.Libvirt.Socket)
	cfg.Libvirt.DialTimeout.Duration = envDuration("LIBVIRT_DIAL_TIMEOUT", cfg.Libvirt.DialTimeout.Duration)
	cfg.Log.Level = strings.ToLower(env("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.JSON = envBool("LOG_JSON", cfg.Log.JSON)
	cfg.Output.Format = strings.ToLower(env("FORMAT", cfg.Output.Format))
	cfg.Poll.Interval.Duration = envDuration("POLL_INTERVAL", cfg.Poll.Interval.Duration)
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(EnvPrefix + key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
