package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"tcpreq/internal/framing"
	"tcpreq/util"
)

// Request is one outbound payload for one destination.
type Request struct {
	ID      uuid.UUID
	Host    string
	Port    int
	Payload []byte
	// Context travels with frames attributed to this request.
	Context map[string]interface{}
	// Output receives frames while this request is the destination's
	// most recent one.  Nil falls back to Options.Output.
	Output func(Frame)
}

// Key returns the destination key, "host:port".
func (r *Request) Key() string { return util.FormatAddr(r.Host, r.Port) }

// Frame is one reassembled inbound message.
type Frame struct {
	Key       string
	RequestID uuid.UUID
	Context   map[string]interface{}
	Payload   framing.Payload
}

// Result completes exactly once per request: nil once the payload has
// been handed to the transport, or ErrDropped, ErrAbandoned or ErrClosed.
type Result struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newResult() *Result { return &Result{done: make(chan struct{})} }

func (r *Result) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the result is complete.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err returns the outcome.  It is nil until Done is closed.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the result completes or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pending is a queued request paired with its result.
type pending struct {
	req     *Request
	res     *Result
	written bool
}
