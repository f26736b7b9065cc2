// Package config loads the bridge configuration from a TOML file,
// applies TTBRIDGE_* environment overrides and validates the result.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = fmt.Errorf("invalid configuration")

// Transport modes.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// Journal backends.
const (
	JournalNone   = "none"
	JournalMemory = "memory"
	JournalNATS   = "nats"
)

// Config is the complete bridge configuration.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Remote     RemoteConfig     `toml:"remote"`
	Transport  TransportConfig  `toml:"transport"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	NATS       NATSConfig       `toml:"nats"`
	Journal    JournalConfig    `toml:"journal"`
	Events     EventsConfig     `toml:"events"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Shutdown   ShutdownConfig   `toml:"shutdown"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `toml:"level" validate:"required,oneof=debug info warn error"`
}

// RemoteConfig describes the timeline API the executor talks to.
type RemoteConfig struct {
	BaseURL string   `toml:"base_url" validate:"required,url"`
	Timeout Duration `toml:"timeout" validate:"gt=0"`

	// RateLimit is the sustained request rate per second. Zero disables limiting.
	RateLimit float64 `toml:"rate_limit" validate:"gte=0"`
	Burst     int     `toml:"burst" validate:"gte=1"`

	// CredentialsFile overrides the standard credentials.toml search.
	CredentialsFile string `toml:"credentials_file"`
	UserAgent       string `toml:"user_agent"`
}

// TransportConfig selects how the bridge talks to its host.
type TransportConfig struct {
	Mode       string `toml:"mode" validate:"required,oneof=stdio websocket"`
	Addr       string `toml:"addr" validate:"required_if=Mode websocket"`
	Path       string `toml:"path" validate:"required_if=Mode websocket"`
	BufferSize int    `toml:"buffer_size" validate:"gte=1"`
}

// DispatcherConfig tunes command handling.
type DispatcherConfig struct {
	// AbortOnCancel cancels the in-flight remote request when a task is cancelled.
	AbortOnCancel bool `toml:"abort_on_cancel"`
}

// NATSConfig is shared by the journal and events backends.
type NATSConfig struct {
	URL            string   `toml:"url" validate:"omitempty,url"`
	Name           string   `toml:"name"`
	Token          string   `toml:"token"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	ReconnectWait  Duration `toml:"reconnect_wait" validate:"gte=0"`
	MaxReconnects  int      `toml:"max_reconnects" validate:"gte=-1"`
	ConnectTimeout Duration `toml:"connect_timeout" validate:"gt=0"`
}

// JournalConfig selects where terminal task snapshots are recorded.
type JournalConfig struct {
	Backend string   `toml:"backend" validate:"required,oneof=none memory nats"`
	Bucket  string   `toml:"bucket" validate:"required_if=Backend nats"`
	TTL     Duration `toml:"ttl" validate:"gte=0"`
}

// EventsConfig controls publication of task outcomes.
type EventsConfig struct {
	Enabled       bool   `toml:"enabled"`
	SubjectPrefix string `toml:"subject_prefix" validate:"required_if=Enabled true"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Protocol    string  `toml:"protocol" validate:"omitempty,oneof=grpc http"`
	Endpoint    string  `toml:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool    `toml:"insecure"`
	SampleRate  float64 `toml:"sample_rate" validate:"gte=0,lte=1"`
	ServiceName string  `toml:"service_name" validate:"required"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout Duration `toml:"timeout" validate:"gt=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Remote: RemoteConfig{
			BaseURL:   "https://api.twitter.com/1.1",
			Timeout:   Duration(30 * time.Second),
			RateLimit: 1,
			Burst:     5,
			UserAgent: "ttbridge/1.0",
		},
		Transport: TransportConfig{
			Mode:       TransportStdio,
			Addr:       "127.0.0.1:8765",
			Path:       "/bridge",
			BufferSize: 100,
		},
		Dispatcher: DispatcherConfig{AbortOnCancel: true},
		NATS: NATSConfig{
			Name:           "ttbridge",
			ReconnectWait:  Duration(2 * time.Second),
			MaxReconnects:  -1,
			ConnectTimeout: Duration(5 * time.Second),
		},
		Journal: JournalConfig{
			Backend: JournalMemory,
			Bucket:  "ttbridge-tasks",
			TTL:     Duration(24 * time.Hour),
		},
		Events: EventsConfig{SubjectPrefix: "ttbridge.tasks"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRate:  1,
			ServiceName: "ttbridge",
		},
		Shutdown: ShutdownConfig{Timeout: Duration(10 * time.Second)},
	}
}

// NeedsNATS reports whether any enabled component requires a NATS connection.
func (c *Config) NeedsNATS() bool {
	return c.Journal.Backend == JournalNATS || c.Events.Enabled
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateNATSUsage, Config{})
	return v
}

// validateNATSUsage requires nats.url whenever a NATS-backed component is on,
// and keeps wildcards and spaces out of the events subject prefix.
func validateNATSUsage(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.NeedsNATS() && cfg.NATS.URL == "" {
		sl.ReportError(cfg.NATS.URL, "NATS.URL", "URL", "required_with_nats", "")
	}
	if strings.ContainsAny(cfg.Events.SubjectPrefix, " *>") {
		sl.ReportError(cfg.Events.SubjectPrefix, "Events.SubjectPrefix", "SubjectPrefix", "subject", "")
	}
	if cfg.Transport.Mode == TransportWebSocket && !strings.HasPrefix(cfg.Transport.Path, "/") {
		sl.ReportError(cfg.Transport.Path, "Transport.Path", "Path", "startswith", "/")
	}
}

// Validate checks every section and reports all failures at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// describe renders a validation failure using the struct path without the root.
func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
