// Package errors provides domain-specific error types for tcpreq.
//
// These types carry structured context (operation, destination,
// retryability) so that status hooks and logs can say which destination
// failed and why, without string matching.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrClosed is returned once the manager has shut down.
	ErrClosed = errors.New("manager is closed")
	// ErrDropped completes a request shed by a full queue.
	ErrDropped = errors.New("request dropped: queue full")
	// ErrAbandoned completes a request discarded by connection teardown.
	ErrAbandoned = errors.New("request abandoned: connection torn down")
	// ErrNoHost marks a request whose destination could not be resolved.
	ErrNoHost = errors.New("no host or port specified")
	// ErrBadString marks a frame that could not be rendered as text.
	ErrBadString = errors.New("failed to convert frame to string")
	// ErrTimeout marks an idle timeout on a connection.
	ErrTimeout = errors.New("connection idle timeout")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "handshake", "write", "read"
	Addr      string // destination key
	Err       error  // underlying error
	Retryable bool   // whether the condition is transient
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
	Err     error       // sentinel to match with Is (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Timeout()
	}
	return false
}

// New is [errors.New].
func New(text string) error { return errors.New(text) }
