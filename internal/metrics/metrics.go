// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a connection manager.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Collector tracks runtime metrics for the engine.
// A nil Collector is safe to use: all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	requestsTotal     atomic.Int64
	requestsDropped   atomic.Int64
	requestsAbandoned atomic.Int64
	framesTotal       atomic.Int64
	retriesTotal      atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Request metrics ──────────────────────────────────────────────────

// RequestSubmitted counts an accepted Submit call.
func (c *Collector) RequestSubmitted() {
	if c == nil {
		return
	}
	c.requestsTotal.Inc()
}

// RequestsDropped records n requests shed by a full queue.
func (c *Collector) RequestsDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.requestsDropped.Add(int64(n))
}

// RequestsAbandoned records n queued requests discarded by teardown.
func (c *Collector) RequestsAbandoned(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.requestsAbandoned.Add(int64(n))
}

// FrameEmitted counts one frame delivered to an output sink.
func (c *Collector) FrameEmitted() {
	if c == nil {
		return
	}
	c.framesTotal.Inc()
}

// Retry records a reconnect after an idle timeout.
func (c *Collector) Retry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

// Dropped returns the number of requests shed so far.
func (c *Collector) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.requestsDropped.Load()
}

// Retries returns the number of reconnects after timeouts.
func (c *Collector) Retries() int64 {
	if c == nil {
		return 0
	}
	return c.retriesTotal.Load()
}

// Frames returns the number of frames delivered.
func (c *Collector) Frames() int64 {
	if c == nil {
		return 0
	}
	return c.framesTotal.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Inc()
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	RequestsTotal     int64  `json:"requests_total"`
	RequestsDropped   int64  `json:"requests_dropped"`
	RequestsAbandoned int64  `json:"requests_abandoned"`
	FramesTotal       int64  `json:"frames_total"`
	RetriesTotal      int64  `json:"retries_total"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		RequestsTotal:     c.requestsTotal.Load(),
		RequestsDropped:   c.requestsDropped.Load(),
		RequestsAbandoned: c.requestsAbandoned.Load(),
		FramesTotal:       c.framesTotal.Load(),
		RetriesTotal:      c.retriesTotal.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
