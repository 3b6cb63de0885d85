package naming

import (
	"fmt"
	"strings"
)

const escapeChar = ','

const hexDigits = "0123456789ABCDEF"

func keepUnescaped(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '.' || c == '-' || c == '_' || c == '~'
}

// Escape maps s to a string made only of letters, digits, ".-_~" and ','.
// Every other byte becomes ',' followed by two upper-case hex digits.
func Escape(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !keepUnescaped(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if keepUnescaped(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(escapeChar)
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0xf])
	}
	return b.String()
}

// Unescape reverses Escape. It rejects anything Escape cannot produce.
func Unescape(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != escapeChar {
			if !keepUnescaped(c) {
				return "", fmt.Errorf("unexpected byte %q at %d", c, i)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape at %d", i)
		}
		hi, lo := unhex(s[i+1]), unhex(s[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("bad escape %q at %d", s[i:i+3], i)
		}
		v := byte(hi<<4 | lo)
		if keepUnescaped(v) {
			// Escape never encodes these, so the name would not round-trip.
			return "", fmt.Errorf("needless escape %q at %d", s[i:i+3], i)
		}
		b.WriteByte(v)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
