// Package config defines the runtime configuration for tcpreq and the
// rules that decide whether a configuration is usable.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tcperrors "tcpreq/internal/errors"
	"tcpreq/internal/framing"
	"tcpreq/internal/property"
)

// Config holds every tuneable for a tcpreq run.
type Config struct {
	// ── Destination ──────────────────────────────────────────────────
	Host     string `mapstructure:"host"`
	HostType string `mapstructure:"host_type"` // str, env, msg, expr
	Port     string `mapstructure:"port"`
	PortType string `mapstructure:"port_type"` // num, str, env, msg, expr
	NoDNS    bool   `mapstructure:"no_dns"`

	// ── Framing ──────────────────────────────────────────────────────
	Mode         string        `mapstructure:"mode"`   // sit, char, count, time, immed
	Return       string        `mapstructure:"return"` // buffer, string
	Charset      string        `mapstructure:"charset"`
	Delimiter    string        `mapstructure:"delimiter"`
	Length       int           `mapstructure:"length"`
	Wait         time.Duration `mapstructure:"wait"`
	Newline      string        `mapstructure:"newline"`
	Trim         bool          `mapstructure:"trim"`
	BufferLength int           `mapstructure:"buffer_length"`

	// ── Connection ───────────────────────────────────────────────────
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	QueueSize      int           `mapstructure:"queue_size"`

	TLS TLSConfig `mapstructure:"tls"`

	// ── I/O ──────────────────────────────────────────────────────────
	Input    string        `mapstructure:"input"`  // raw, json
	Output   string        `mapstructure:"output"` // raw, json
	Linger   time.Duration `mapstructure:"linger"`
	HTTPAddr string        `mapstructure:"http_addr"`

	// ── Logging ──────────────────────────────────────────────────────
	Log     LogConfig `mapstructure:"log"`
	Verbose int       `mapstructure:"verbose"`
}

// TLSConfig names client TLS material.  Any non-empty field enables TLS.
type TLSConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Cert       string   `mapstructure:"cert"`
	Key        string   `mapstructure:"key"`
	CA         string   `mapstructure:"ca"`
	PFX        string   `mapstructure:"pfx"`
	Passphrase string   `mapstructure:"passphrase"`
	ServerName string   `mapstructure:"server_name"`
	Insecure   bool     `mapstructure:"insecure"`
	MinVersion string   `mapstructure:"min_version"`
	ALPN       []string `mapstructure:"alpn"`
}

// LogConfig selects the log format and optional Loki sink.
type LogConfig struct {
	Format  string            `mapstructure:"format"` // auto, text, json
	LokiURL string            `mapstructure:"loki_url"`
	Labels  map[string]string `mapstructure:"labels"`
}

// ── Derived values ───────────────────────────────────────────────────

// OneShot reports whether requests are written without awaiting a reply.
func (c *Config) OneShot() bool {
	return strings.EqualFold(strings.TrimSpace(c.Mode), "immed")
}

// FramingMode maps Mode onto a decoder mode.  One-shot runs use
// passthrough so anything the peer sends before closing is still seen.
func (c *Config) FramingMode() (framing.Mode, error) {
	if c.OneShot() {
		return framing.ModePassthrough, nil
	}
	return framing.ParseMode(c.Mode)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &tcperrors.ConfigError{
			Field:   "host",
			Message: "is required",
			Hint:    "use --host, or --host-type msg|expr to read it from each envelope",
			Err:     tcperrors.ErrNoHost,
		}
	}
	if c.Port == "" {
		return &tcperrors.ConfigError{
			Field:   "port",
			Message: "is required",
			Hint:    "use --port, or --port-type msg|expr to read it from each envelope",
			Err:     tcperrors.ErrNoHost,
		}
	}
	if _, err := property.Compile(c.Host, c.HostType); err != nil {
		return &tcperrors.ConfigError{Field: "host", Value: c.Host, Message: err.Error()}
	}
	if _, err := property.Compile(c.Port, c.portType()); err != nil {
		return &tcperrors.ConfigError{Field: "port", Value: c.Port, Message: err.Error()}
	}
	if strings.EqualFold(c.portType(), string(property.TypeNum)) {
		if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
			return &tcperrors.ConfigError{
				Field:   "port",
				Value:   c.Port,
				Message: "must be between 1 and 65535",
			}
		}
	}

	mode, err := c.FramingMode()
	if err != nil {
		return &tcperrors.ConfigError{
			Field:   "mode",
			Value:   c.Mode,
			Message: err.Error(),
			Hint:    "one of sit, char, count, time, immed",
		}
	}
	switch mode {
	case framing.ModeDelimiter:
		if _, err := framing.ParseDelimiter(c.Delimiter); err != nil {
			return &tcperrors.ConfigError{
				Field:   "delimiter",
				Value:   c.Delimiter,
				Message: err.Error(),
				Hint:    `e.g. "\n", "0x03" or ";"`,
			}
		}
	case framing.ModeCount:
		if c.Length < 0 {
			return &tcperrors.ConfigError{Field: "length", Value: c.Length, Message: "must not be negative"}
		}
	case framing.ModeTime:
		if c.Wait <= 0 {
			return &tcperrors.ConfigError{
				Field:   "wait",
				Value:   c.Wait,
				Message: "time mode needs a quiet period",
				Hint:    "e.g. --wait 500ms",
			}
		}
	}

	if _, err := framing.ParseReturnType(c.Return); err != nil {
		return &tcperrors.ConfigError{Field: "return", Value: c.Return, Message: err.Error(), Hint: "buffer or string"}
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"idle_timeout", c.IdleTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"retry_delay", c.RetryDelay},
		{"retry_max_delay", c.RetryMaxDelay},
		{"linger", c.Linger},
	} {
		if d.value < 0 {
			return &tcperrors.ConfigError{Field: d.field, Value: d.value, Message: "must not be negative"}
		}
	}
	if c.MaxRetries < 0 {
		return &tcperrors.ConfigError{Field: "max_retries", Value: c.MaxRetries, Message: "must not be negative"}
	}
	if c.MaxRetries > 0 && c.IdleTimeout == 0 {
		return &tcperrors.ConfigError{
			Field:   "max_retries",
			Value:   c.MaxRetries,
			Message: "retries are triggered by idle timeouts",
			Hint:    "set --idle-timeout as well",
		}
	}
	if c.QueueSize < 0 {
		return &tcperrors.ConfigError{Field: "queue_size", Value: c.QueueSize, Message: "must not be negative"}
	}
	if c.BufferLength < 0 {
		return &tcperrors.ConfigError{Field: "buffer_length", Value: c.BufferLength, Message: "must not be negative"}
	}

	if err := oneOf("input", c.Input, "raw", "json"); err != nil {
		return err
	}
	if err := oneOf("output", c.Output, "raw", "json"); err != nil {
		return err
	}
	if err := oneOf("log.format", c.Log.Format, "auto", "text", "json"); err != nil {
		return err
	}

	if c.TLS.Cert != "" && c.TLS.Key == "" {
		return &tcperrors.ConfigError{
			Field:   "tls.key",
			Message: "is required with tls.cert",
		}
	}
	if c.TLS.PFX != "" && c.TLS.Cert != "" {
		return &tcperrors.ConfigError{
			Field:   "tls.pfx",
			Message: "tls.pfx and tls.cert are mutually exclusive",
		}
	}
	return nil
}

func (c *Config) portType() string {
	if c.PortType == "" {
		return string(property.TypeNum)
	}
	return c.PortType
}

// oneOf accepts value when it is empty (the default applies) or matches
// one of allowed.
func oneOf(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return &tcperrors.ConfigError{
		Field:   field,
		Value:   value,
		Message: "unsupported value",
		Hint:    fmt.Sprintf("one of %s", strings.Join(allowed, ", ")),
	}
}
