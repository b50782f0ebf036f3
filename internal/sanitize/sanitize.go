// Package sanitize cleans raw exported message text before MIME parsing.
//
// The groups API export HTML-entity-encodes the raw message source, injects
// stray carriage returns and leaves 8-bit bytes inside bodies it declares as
// 7-bit. MIME parsers downstream are brittle against all three, so every raw
// body passes through Clean unconditionally.
package sanitize

import (
	"html"
	"strings"
)

// Clean decodes HTML entities, removes carriage-return bytes and strips any
// byte outside the 7-bit ASCII range. It never fails; empty input yields
// empty output.
func Clean(raw string) string {
	if raw == "" {
		return ""
	}
	decoded := html.UnescapeString(raw)

	var b strings.Builder
	b.Grow(len(decoded))
	for _, r := range decoded {
		if r == '\r' {
			continue
		}
		if r > 0x7f {
			continue
		}
		b.WriteByte(byte(r))
	}
	return b.String()
}

// ForceASCII replaces every non-ASCII byte with a space, keeping length and
// line structure intact. Used by the rendering fallback when a renderer
// chokes on 8-bit content.
func ForceASCII(data []byte) []byte {
	out := make([]byte, len(data))
	for i, c := range data {
		if c > 0x7f {
			out[i] = ' '
		} else {
			out[i] = c
		}
	}
	return out
}
