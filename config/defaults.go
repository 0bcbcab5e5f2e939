package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultHostType reads the host as a literal.
	DefaultHostType = "str"

	// DefaultPortType reads the port as a literal number.
	DefaultPortType = "num"

	// DefaultMode forwards every received chunk as a frame.
	DefaultMode = "sit"

	// DefaultReturn hands frames out as raw bytes.
	DefaultReturn = "buffer"

	// DefaultCharset decodes text frames.
	DefaultCharset = "utf-8"

	// DefaultBufferLength is the initial frame accumulator capacity.
	DefaultBufferLength = 65536

	// DefaultQueueSize bounds each destination's outbound queue.
	DefaultQueueSize = 1000

	// DefaultConnTimeout bounds a single dial and TLS handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAlive is the TCP keep-alive probe period.
	DefaultKeepAlive = 120 * time.Second

	// DefaultRetryMaxDelay caps the backoff between retries when a
	// retry delay is configured.
	DefaultRetryMaxDelay = 60 * time.Second

	// DefaultLinger is how long the CLI keeps reading replies after
	// stdin reaches EOF.
	DefaultLinger = 2 * time.Second

	// DefaultGracePeriod bounds the final shutdown of the engine and the
	// admin server.
	DefaultGracePeriod = 5 * time.Second

	// DefaultInput and DefaultOutput are the stdin and stdout envelopes.
	DefaultInput  = "raw"
	DefaultOutput = "raw"

	// DefaultLogFormat picks text on a terminal and JSON otherwise.
	DefaultLogFormat = "auto"

	// EnvPrefix prefixes every environment variable, e.g. TCPREQ_HOST.
	EnvPrefix = "TCPREQ"
)

// defaults maps every config key to its default value.  Keys without a
// meaningful default carry their zero value so viper resolves them from
// the environment as well.
var defaults = map[string]interface{}{ //nolint:gochecknoglobals
	"host":            "",
	"host_type":       DefaultHostType,
	"port":            "",
	"port_type":       DefaultPortType,
	"no_dns":          false,
	"mode":            DefaultMode,
	"return":          DefaultReturn,
	"charset":         DefaultCharset,
	"delimiter":       "",
	"length":          0,
	"wait":            time.Duration(0),
	"newline":         "",
	"trim":            false,
	"buffer_length":   DefaultBufferLength,
	"idle_timeout":    time.Duration(0),
	"connect_timeout": DefaultConnTimeout,
	"keep_alive":      DefaultKeepAlive,
	"max_retries":     0,
	"retry_delay":     time.Duration(0),
	"retry_max_delay": DefaultRetryMaxDelay,
	"queue_size":      DefaultQueueSize,
	"tls.enabled":     false,
	"tls.cert":        "",
	"tls.key":         "",
	"tls.ca":          "",
	"tls.pfx":         "",
	"tls.passphrase":  "",
	"tls.server_name": "",
	"tls.insecure":    false,
	"tls.min_version": "1.2",
	"input":           DefaultInput,
	"output":          DefaultOutput,
	"linger":          DefaultLinger,
	"http_addr":       "",
	"log.format":      DefaultLogFormat,
	"log.loki_url":    "",
	"verbose":         0,
}
