package naming

import (
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

// Hasher turns content into the hash segment of a resource name. The output
// must only contain [A-Za-z0-9_-].
type Hasher interface {
	Hash(content []byte) string
}

const DefaultHashLength = 10

// Blake2bHasher hashes with BLAKE2b-256 and keeps the first Length characters
// of its URL-safe base64 form.
type Blake2bHasher struct {
	Length int
}

func (h Blake2bHasher) Hash(content []byte) string {
	sum := blake2b.Sum256(content)
	s := base64.RawURLEncoding.EncodeToString(sum[:])
	n := h.Length
	if n <= 0 {
		n = DefaultHashLength
	}
	if n < len(s) {
		s = s[:n]
	}
	return s
}

// MockHasher returns the same hash for any content.
type MockHasher struct {
	Value string
}

func (h MockHasher) Hash([]byte) string {
	if h.Value == "" {
		return "0"
	}
	return h.Value
}
