package framing

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	tcperrors "tcpreq/internal/errors"
)

// ReturnType selects how frames are handed to output sinks.
type ReturnType int

const (
	ReturnBuffer ReturnType = iota
	ReturnString
)

func (r ReturnType) String() string {
	if r == ReturnString {
		return "string"
	}
	return "buffer"
}

// ParseReturnType accepts "buffer" (alias "bin") or "string" (alias "text").
func ParseReturnType(s string) (ReturnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "buffer", "bin", "bytes":
		return ReturnBuffer, nil
	case "string", "text", "utf8":
		return ReturnString, nil
	}
	return 0, fmt.Errorf("unknown return type %q", s)
}

// Payload is a converted frame.  Bytes is always set; Text is set when
// the return type is string and conversion succeeded.
type Payload struct {
	Bytes  []byte
	Text   string
	IsText bool
}

// Converter renders raw frames according to the return type.
type Converter struct {
	ret     ReturnType
	charset string
	enc     encoding.Encoding // nil for strict UTF-8
}

// NewConverter builds a converter.  charset is any WHATWG encoding label
// and defaults to utf-8.
func NewConverter(ret ReturnType, charset string) (*Converter, error) {
	c := &Converter{ret: ret, charset: "utf-8"}
	if charset == "" || ret == ReturnBuffer {
		return c, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", charset, err)
	}
	name, _ := htmlindex.Name(enc)
	c.charset = name
	if name != "utf-8" {
		c.enc = enc
	}
	return c, nil
}

// ReturnType returns the configured return type.
func (c *Converter) ReturnType() ReturnType { return c.ret }

// Convert renders b.  On a text conversion failure the returned Payload
// still carries the raw bytes and the error wraps ErrBadString.
func (c *Converter) Convert(b []byte) (Payload, error) {
	p := Payload{Bytes: b}
	if c.ret != ReturnString {
		return p, nil
	}
	if c.enc == nil {
		if !utf8.Valid(b) {
			return p, fmt.Errorf("%w: %d bytes are not valid utf-8", tcperrors.ErrBadString, len(b))
		}
		p.Text, p.IsText = string(b), true
		return p, nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return p, fmt.Errorf("%w: %s: %v", tcperrors.ErrBadString, c.charset, err)
	}
	p.Text, p.IsText = string(out), true
	return p, nil
}
