// Package hexify converts between raw management bytes and the
// space-separated hex notation used by ipmitool.
package hexify

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Format formats a buffer as upper-case, space-separated hex octets, e.g.,
// "04 30 E8".
func Format(in []byte) string {
	var sb strings.Builder
	for i, b := range in {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// Args formats a buffer as ipmitool command arguments, e.g., "0x04".
func Args(in []byte) []string {
	args := make([]string, 0, len(in))
	for _, b := range in {
		args = append(args, fmt.Sprintf("0x%02X", b))
	}
	return args
}

// Parse parses whitespace-separated hex octets.  Octets may carry a 0x
// prefix.  Line breaks are treated as whitespace since ipmitool wraps long
// responses.
func Parse(s string) ([]byte, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f) != 2 {
			return nil, fmt.Errorf("invalid octet %q", f)
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("invalid octet %q: %w", f, err)
		}
		out = append(out, b[0])
	}
	return out, nil
}

// Dump renders a buffer as offset-prefixed rows of 16 octets with a
// printable-ASCII gutter.
func Dump(in []byte) string {
	var sb strings.Builder
	for off := 0; off < len(in); off += 16 {
		end := off + 16
		if end > len(in) {
			end = len(in)
		}
		row := in[off:end]
		fmt.Fprintf(&sb, "%4d  %-47s  ", off, Format(row))
		for _, b := range row {
			if b < 32 || b > 126 {
				b = '.'
			}
			sb.WriteByte(b)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
