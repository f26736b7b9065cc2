package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TTBRIDGE_"

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the file at path (if non-empty) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("read config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envBinding maps one environment variable onto a configuration field.
type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func floatVar(dst func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func durationVar(dst func(*Config) *Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		return dst(cfg).UnmarshalText([]byte(v))
	}
}

var envBindings = []envBinding{
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"REMOTE_BASE_URL", stringVar(func(c *Config) *string { return &c.Remote.BaseURL })},
	{"REMOTE_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Remote.Timeout })},
	{"REMOTE_RATE_LIMIT", floatVar(func(c *Config) *float64 { return &c.Remote.RateLimit })},
	{"REMOTE_CREDENTIALS_FILE", stringVar(func(c *Config) *string { return &c.Remote.CredentialsFile })},
	{"TRANSPORT_MODE", stringVar(func(c *Config) *string { return &c.Transport.Mode })},
	{"TRANSPORT_ADDR", stringVar(func(c *Config) *string { return &c.Transport.Addr })},
	{"DISPATCHER_ABORT_ON_CANCEL", boolVar(func(c *Config) *bool { return &c.Dispatcher.AbortOnCancel })},
	{"NATS_URL", stringVar(func(c *Config) *string { return &c.NATS.URL })},
	{"NATS_TOKEN", stringVar(func(c *Config) *string { return &c.NATS.Token })},
	{"JOURNAL_BACKEND", stringVar(func(c *Config) *string { return &c.Journal.Backend })},
	{"EVENTS_ENABLED", boolVar(func(c *Config) *bool { return &c.Events.Enabled })},
	{"TELEMETRY_ENABLED", boolVar(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"TELEMETRY_ENDPOINT", stringVar(func(c *Config) *string { return &c.Telemetry.Endpoint })},
	{"SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Shutdown.Timeout })},
}

// applyEnv overlays TTBRIDGE_* variables. Empty values are ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
