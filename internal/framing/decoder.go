// Package framing turns an inbound byte stream into discrete frames.
//
// A Decoder is owned by exactly one connection and is not safe for
// concurrent use.  It never schedules timers itself: in time mode the
// owner arms its own flush timer and calls [Decoder.Flush] when it fires.
package framing

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Mode selects how inbound bytes are grouped into frames.
type Mode int

const (
	// ModePassthrough forwards every received chunk and never ends the
	// exchange on its own.
	ModePassthrough Mode = iota
	// ModeDelimiter emits everything up to and including a delimiter byte.
	ModeDelimiter
	// ModeCount emits frames of exactly Length bytes.
	ModeCount
	// ModeTime emits whatever arrived once the line has been quiet for Wait.
	ModeTime
)

// DefaultBufferSize is the initial accumulator capacity.
const DefaultBufferSize = 64 * 1024

var modeNames = map[Mode]string{
	ModePassthrough: "sit",
	ModeDelimiter:   "char",
	ModeCount:       "count",
	ModeTime:        "time",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Terminates reports whether a complete frame ends the exchange (the
// connection is torn down after delivering it).
func (m Mode) Terminates() bool { return m != ModePassthrough }

// ParseMode accepts the short names used in configuration ("sit",
// "char", "count", "time") and their long aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sit", "passthrough", "stream", "":
		return ModePassthrough, nil
	case "char", "delimiter":
		return ModeDelimiter, nil
	case "count":
		return ModeCount, nil
	case "time", "timeout":
		return ModeTime, nil
	}
	return 0, fmt.Errorf("unknown framing mode %q", s)
}

// Config holds the per-connection framing parameters.
type Config struct {
	Mode       Mode
	Delimiter  byte          // ModeDelimiter
	Length     int           // ModeCount; 0 behaves as 1
	Wait       time.Duration // ModeTime quiet period
	BufferSize int           // initial accumulator capacity
	Separator  []byte        // ModePassthrough text splitting; empty disables
	Trim       bool          // re-append Separator to split pieces
}

func (c Config) frameLength() int {
	if c.Length <= 0 {
		return 1
	}
	return c.Length
}

// Decoder is a stateful byte-stream reassembler.
type Decoder struct {
	cfg Config
	acc *bytebufferpool.ByteBuffer
}

// NewDecoder returns a decoder with an empty accumulator.
func NewDecoder(cfg Config) *Decoder {
	d := &Decoder{cfg: cfg, acc: bytebufferpool.Get()}
	hint := cfg.BufferSize
	if cfg.Mode == ModeCount {
		hint = cfg.frameLength()
	}
	if hint <= 0 {
		hint = DefaultBufferSize
	}
	if cap(d.acc.B) < hint {
		d.acc.B = make([]byte, 0, hint)
	}
	return d
}

// Mode returns the configured framing mode.
func (d *Decoder) Mode() Mode { return d.cfg.Mode }

// Feed appends data and returns every frame completed by it, in order.
// The returned slices are owned by the caller.
func (d *Decoder) Feed(data []byte) [][]byte {
	switch d.cfg.Mode {
	case ModeDelimiter:
		return d.feedDelimiter(data)
	case ModeCount:
		return d.feedCount(data)
	case ModeTime:
		d.acc.B = append(d.acc.B, data...)
		return nil
	default:
		return d.feedPassthrough(data)
	}
}

func (d *Decoder) feedPassthrough(data []byte) [][]byte {
	sep := d.cfg.Separator
	if len(sep) == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{clone(data)}
	}

	d.acc.B = append(d.acc.B, data...)
	var frames [][]byte
	start := 0
	for {
		i := bytes.Index(d.acc.B[start:], sep)
		if i < 0 {
			break
		}
		frame := clone(d.acc.B[start : start+i])
		if d.cfg.Trim {
			frame = append(frame, sep...)
		}
		frames = append(frames, frame)
		start += i + len(sep)
	}
	if start > 0 {
		n := copy(d.acc.B, d.acc.B[start:])
		d.acc.B = d.acc.B[:n]
	}
	return frames
}

func (d *Decoder) feedDelimiter(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		d.acc.B = append(d.acc.B, b)
		if b == d.cfg.Delimiter {
			frames = append(frames, d.take())
		}
	}
	return frames
}

func (d *Decoder) feedCount(data []byte) [][]byte {
	want := d.cfg.frameLength()
	var frames [][]byte
	for len(data) > 0 {
		n := want - len(d.acc.B)
		if n > len(data) {
			n = len(data)
		}
		d.acc.B = append(d.acc.B, data[:n]...)
		data = data[n:]
		if len(d.acc.B) == want {
			frames = append(frames, d.take())
		}
	}
	return frames
}

// Pending reports whether bytes are buffered that have not been emitted.
func (d *Decoder) Pending() bool { return d.acc.Len() > 0 }

// Buffered returns the number of accumulated bytes.
func (d *Decoder) Buffered() int { return d.acc.Len() }

// Flush returns everything accumulated so far and empties the
// accumulator.  It returns nil when nothing is buffered.
func (d *Decoder) Flush() []byte {
	if d.acc.Len() == 0 {
		return nil
	}
	return d.take()
}

// Reset discards buffered bytes.
func (d *Decoder) Reset() { d.acc.Reset() }

// Release returns the accumulator to the pool.  The decoder must not be
// used afterwards.
func (d *Decoder) Release() {
	if d.acc == nil {
		return
	}
	bytebufferpool.Put(d.acc)
	d.acc = nil
}

func (d *Decoder) take() []byte {
	out := clone(d.acc.B)
	d.acc.Reset()
	return out
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
