package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"tcpreq/config"
	"tcpreq/internal/engine"
	tcperrors "tcpreq/internal/errors"
	"tcpreq/internal/property"
	"tcpreq/util"
)

// lingerPoll is how often a lingering pump checks whether every
// destination has finished.
const lingerPoll = 20 * time.Millisecond

// Pump feeds request envelopes from Stdin into the Manager and writes
// every frame to Stdout.
type Pump struct {
	Manager *engine.Manager
	Host    *property.Property
	Port    *property.Property
	// JSONInput reads one JSON object per line instead of raw lines.
	JSONInput bool
	// Linger bounds how long replies are awaited after Stdin ends.
	Linger time.Duration
	Logger *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer

	out      *frameWriter
	frames   atomic.Int64
	warnings atomic.Int64
	failures atomic.Int64
}

func (p *Pump) stdin() io.Reader {
	if p.Stdin != nil {
		return p.Stdin
	}
	return os.Stdin
}

func (p *Pump) stdout() io.Writer {
	if p.Stdout != nil {
		return p.Stdout
	}
	return os.Stdout
}

// wire installs the pump's output and reporting hooks.
func (p *Pump) wire(opts *engine.Options) {
	opts.Output = p.emit
	opts.OnStatus = func(key string, s engine.Status) {
		p.Logger.Verbose("%s: %s", key, s)
	}
	opts.OnWarn = func(error) { p.warnings.Inc() }
	opts.OnError = func(error, *engine.Request) { p.failures.Inc() }
}

func (p *Pump) emit(f engine.Frame) {
	p.frames.Inc()
	if err := p.out.write(p.stdout(), f); err != nil && !util.IsHarmless(err) {
		p.Logger.Error("write frame: %v", err)
	}
}

// Run submits every envelope read from Stdin, lingers for replies once
// Stdin ends and shuts the Manager down.  The Manager is always shut
// down when Run returns.
func (p *Pump) Run(ctx context.Context) error {
	defer p.shutdown()

	lines, readErr := readLines(ctx, p.stdin())
	var results []*engine.Result

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				p.linger(ctx, results)
				// Shutdown flushes frames still on their way to Stdout.
				p.shutdown()
				p.report(results)
				return nil
			}
			res, err := p.submit(ctx, line)
			switch {
			case errors.Is(err, tcperrors.ErrClosed):
				return err
			case err != nil:
				p.warnings.Inc()
				p.Logger.Warn("skipping envelope: %v", err)
			default:
				results = append(results, res)
			}
		}
	}
}

// submit turns one input line into a request.
func (p *Pump) submit(ctx context.Context, line []byte) (*engine.Result, error) {
	msg, payload, err := p.envelope(line)
	if err != nil {
		return nil, err
	}
	host, err := p.Host.String(msg)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	port, err := p.Port.Int(msg)
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}

	req := &engine.Request{Host: host, Port: port, Payload: payload, Context: msg}
	p.Logger.Debug("submit %d bytes to %s", len(payload), req.Key())
	return p.Manager.Submit(ctx, req)
}

// envelope decodes a line into the message seen by properties and the
// payload to send.  Raw lines are sent as read, terminator included.
func (p *Pump) envelope(line []byte) (map[string]interface{}, []byte, error) {
	if !p.JSONInput {
		return map[string]interface{}{"payload": string(line)}, line, nil
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}
	raw, ok := msg["payload"]
	if !ok || raw == nil {
		return nil, nil, fmt.Errorf("envelope has no payload")
	}
	switch v := raw.(type) {
	case string:
		return msg, []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("encode payload: %w", err)
		}
		return msg, b, nil
	}
}

// linger waits until every request has been handed off and every
// destination has finished, or until Linger elapses.
func (p *Pump) linger(ctx context.Context, results []*engine.Result) {
	if p.Linger <= 0 {
		return
	}
	deadline := time.NewTimer(p.Linger)
	defer deadline.Stop()
	tick := time.NewTicker(lingerPoll)
	defer tick.Stop()

	for !p.settled(ctx, results) {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.Logger.Verbose("linger expired after %s", p.Linger)
			return
		case <-tick.C:
		}
	}
}

func (p *Pump) settled(ctx context.Context, results []*engine.Result) bool {
	for _, r := range results {
		select {
		case <-r.Done():
		default:
			return false
		}
	}
	st, err := p.Manager.Stats(ctx)
	if err != nil {
		return true
	}
	return st.Destinations == 0 && st.OpenTransports == 0
}

func (p *Pump) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
	defer cancel()
	if err := p.Manager.Shutdown(ctx); err != nil {
		p.Logger.Error("shutdown: %v", err)
	}
}

// report logs how the submitted requests ended.
func (p *Pump) report(results []*engine.Result) {
	var sent, dropped, abandoned, pending int
	for _, r := range results {
		select {
		case <-r.Done():
		default:
			pending++
			continue
		}
		switch err := r.Err(); {
		case err == nil:
			sent++
		case errors.Is(err, tcperrors.ErrDropped):
			dropped++
		default:
			abandoned++
		}
	}
	p.Logger.Info("%d sent, %d dropped, %d abandoned, %d pending, %d frames, %d warnings, %d errors",
		sent, dropped, abandoned, pending, p.frames.Load(), p.warnings.Load(), p.failures.Load())
}

// Frames returns how many frames have been written.
func (p *Pump) Frames() int64 { return p.frames.Load() }

// readLines streams r line by line until EOF or ctx ends.  The error
// channel yields the read error (nil at EOF) after lines is closed.
func readLines(ctx context.Context, r io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(lines)
		br := bufio.NewReaderSize(r, util.DefaultBufSize)
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					errc <- nil
					return
				}
			}
			if err == io.EOF {
				errc <- nil
				return
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()
	return lines, errc
}

// ── Output ───────────────────────────────────────────────────────────

// frameWriter renders frames one per line.  The mutex keeps lines whole
// if several pumps share a writer.
type frameWriter struct {
	mu   sync.Mutex
	json bool
}

func newFrameWriter(asJSON bool) *frameWriter { return &frameWriter{json: asJSON} }

type jsonFrame struct {
	Destination string                 `json:"destination"`
	RequestID   string                 `json:"request_id,omitempty"`
	Payload     interface{}            `json:"payload"`
	Encoding    string                 `json:"encoding"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

func (w *frameWriter) write(out io.Writer, f engine.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.json {
		body := f.Payload.Bytes
		if f.Payload.IsText {
			body = []byte(f.Payload.Text)
		}
		if len(body) == 0 || body[len(body)-1] != '\n' {
			body = append(append([]byte(nil), body...), '\n')
		}
		_, err := out.Write(body)
		return err
	}

	jf := jsonFrame{Destination: f.Key, Context: withoutPayload(f.Context)}
	if f.RequestID != uuid.Nil {
		jf.RequestID = f.RequestID.String()
	}
	if f.Payload.IsText {
		jf.Payload, jf.Encoding = f.Payload.Text, "text"
	} else {
		jf.Payload, jf.Encoding = f.Payload.Bytes, "base64"
	}
	b, err := json.Marshal(jf)
	if err != nil {
		return err
	}
	_, err = out.Write(append(b, '\n'))
	return err
}

func withoutPayload(ctx map[string]interface{}) map[string]interface{} {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		if k != "payload" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
