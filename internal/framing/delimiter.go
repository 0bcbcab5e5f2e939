package framing

import (
	"fmt"
	"strconv"
	"strings"
)

var delimiterEscapes = map[string]byte{
	`\n`: 0x0A,
	`\r`: 0x0D,
	`\t`: 0x09,
	`\e`: 0x1B,
	`\f`: 0x0C,
	`\0`: 0x00,
}

// ParseDelimiter resolves a configured delimiter to a single byte.  It
// accepts an escape (\n \r \t \e \f \0), a hex literal such as "0x0A",
// or a literal string whose first byte is used.
func ParseDelimiter(s string) (byte, error) {
	if s == "" {
		return 0, fmt.Errorf("delimiter is empty")
	}
	if strings.HasPrefix(s, `\`) {
		b, ok := delimiterEscapes[s]
		if !ok {
			return 0, fmt.Errorf("unknown delimiter escape %q", s)
		}
		return b, nil
	}
	if len(s) > 2 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		v, err := strconv.ParseUint(s[2:], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid hex delimiter %q: %w", s, err)
		}
		return byte(v), nil
	}
	return s[0], nil
}

var separatorReplacer = strings.NewReplacer(`\n`, "\n", `\r`, "\r", `\t`, "\t")

// ParseSeparator unescapes \n, \r and \t in a text separator.
func ParseSeparator(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(separatorReplacer.Replace(s))
}
