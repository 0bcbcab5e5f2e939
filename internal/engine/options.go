package engine

import (
	"fmt"
	"time"

	"tcpreq/internal/framing"
	"tcpreq/internal/queue"
	"tcpreq/internal/retry"
)

// Status is a coarse per-destination state for display purposes.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	StatusError
	StatusTimeout
	StatusCleared
)

var statusNames = map[Status]string{
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
	StatusError:        "error",
	StatusTimeout:      "timeout",
	StatusCleared:      "cleared",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Options is fixed at construction and shared by every destination.
type Options struct {
	Framing    framing.Config
	ReturnType framing.ReturnType
	Charset    string

	// QueueSize bounds each destination's queue (default 1000).
	QueueSize int
	// IdleTimeout triggers a retry after this long without traffic.
	// Zero disables idle detection and therefore retries.
	IdleTimeout time.Duration
	Retry       retry.Policy
	// OneShot writes the queue and closes without waiting for a reply.
	OneShot bool
	// NoDNS rejects hosts that are not numeric IPs.
	NoDNS bool

	// Output receives frames for requests that carry no sink of their own.
	// Sinks run one at a time, in arrival order, off the event loop; they
	// may call Submit and Stats but not Shutdown.
	Output func(Frame)
	// OnStatus, OnWarn and OnError are optional hooks.  They run on the
	// manager's event loop and must not block or call back into it.
	OnStatus func(key string, s Status)
	OnWarn   func(err error)
	OnError  func(err error, req *Request)
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = queue.DefaultCapacity
	}
	if o.Framing.BufferSize <= 0 {
		o.Framing.BufferSize = framing.DefaultBufferSize
	}
	// Separator splitting only applies to text output.
	if o.ReturnType != framing.ReturnString {
		o.Framing.Separator = nil
	}
	return o
}
