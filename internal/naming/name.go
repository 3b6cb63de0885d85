// Package naming encodes and decodes the URLs of generated resources.
//
// A generated leaf has the form
//
//	<escaped original name>.rw.<filter id>.<content hash>.<extension>
//
// and the URL is the leaf appended to a prefix ending in '/'. The original
// name is escaped so that any byte string survives the trip and the leaf
// stays a single path segment.
package naming

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const marker = "rw"

var (
	// ErrNotGenerated is returned for URLs that do not carry a generated leaf.
	ErrNotGenerated = errors.New("not a generated resource name")
	// ErrUnauthorized is returned when a decoded name points outside the
	// origin it was served from.
	ErrUnauthorized = errors.New("resource outside authorized origin")
)

// ResourceName identifies a generated resource. An empty Hash marks a name
// whose content has not been computed yet.
type ResourceName struct {
	// Prefix is everything up to and including the last '/'. It may be
	// empty for a bare leaf.
	Prefix string
	ID     string
	Hash   string
	// Name is the original leaf, possibly with a query string.
	Name string
	Ext  string
}

// Validate reports whether n can be encoded and decoded back unchanged.
func (n ResourceName) Validate() error {
	switch {
	case n.Name == "":
		return fmt.Errorf("%w: empty name", ErrNotGenerated)
	case !isAlnum(n.ID):
		return fmt.Errorf("%w: bad filter id %q", ErrNotGenerated, n.ID)
	case !isHash(n.Hash):
		return fmt.Errorf("%w: bad hash %q", ErrNotGenerated, n.Hash)
	case !isAlnum(n.Ext):
		return fmt.Errorf("%w: bad extension %q", ErrNotGenerated, n.Ext)
	case n.Prefix != "" && !strings.HasSuffix(n.Prefix, "/"):
		return fmt.Errorf("%w: prefix %q does not end in /", ErrNotGenerated, n.Prefix)
	case strings.ContainsAny(n.Prefix, "?#"):
		return fmt.Errorf("%w: prefix %q has a query or fragment", ErrNotGenerated, n.Prefix)
	}
	return nil
}

// Leaf returns the encoded last path segment.
func (n ResourceName) Leaf() string {
	return strings.Join([]string{Escape(n.Name), marker, n.ID, n.Hash, n.Ext}, ".")
}

// Encode returns the full URL of the resource.
func (n ResourceName) Encode() string {
	return n.Prefix + n.Leaf()
}

// Key identifies the resource independently of its content hash and
// extension. It names the metadata of the latest result for an input.
func (n ResourceName) Key() string {
	return n.Prefix + n.ID + "." + Escape(n.Name)
}

func (n ResourceName) String() string { return n.Encode() }

// Decode parses an encoded URL. Any query string or fragment on it is
// dropped.
func Decode(encoded string) (ResourceName, error) {
	if i := strings.IndexAny(encoded, "?#"); i >= 0 {
		encoded = encoded[:i]
	}
	slash := strings.LastIndexByte(encoded, '/')
	prefix, leaf := encoded[:slash+1], encoded[slash+1:]

	// Parse from the right: ext, hash, id, marker, then the escaped name,
	// which may itself contain dots.
	parts := strings.Split(leaf, ".")
	if len(parts) < 5 {
		return ResourceName{}, fmt.Errorf("%w: %q", ErrNotGenerated, leaf)
	}
	k := len(parts)
	ext, hash, id, mark := parts[k-1], parts[k-2], parts[k-3], parts[k-4]
	if mark != marker {
		return ResourceName{}, fmt.Errorf("%w: %q", ErrNotGenerated, leaf)
	}
	name, err := Unescape(strings.Join(parts[:k-4], "."))
	if err != nil {
		return ResourceName{}, fmt.Errorf("%w: %v", ErrNotGenerated, err)
	}
	n := ResourceName{Prefix: prefix, ID: id, Hash: hash, Name: name, Ext: ext}
	if err := n.Validate(); err != nil {
		return ResourceName{}, err
	}
	return n, nil
}

// IsGenerated reports whether the URL decodes as a generated resource.
func IsGenerated(encoded string) bool {
	_, err := Decode(encoded)
	return err == nil
}

// InputURL resolves the original name against the prefix. The result must
// stay on the prefix's host; a name that smuggles in another origin yields
// ErrUnauthorized. Queries carried inside the name are preserved.
func (n ResourceName) InputURL() (string, error) {
	base, err := url.Parse(n.Prefix)
	if err != nil {
		return "", fmt.Errorf("%w: prefix: %v", ErrNotGenerated, err)
	}
	if !base.IsAbs() {
		return "", fmt.Errorf("%w: prefix %q is not absolute", ErrUnauthorized, n.Prefix)
	}
	ref, err := url.Parse(n.Name)
	if err != nil {
		return "", fmt.Errorf("%w: name: %v", ErrNotGenerated, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("%w: %q", ErrUnauthorized, n.Name)
	}
	u := base.ResolveReference(ref)
	if !strings.EqualFold(u.Host, base.Host) || u.Scheme != base.Scheme {
		return "", fmt.Errorf("%w: %q", ErrUnauthorized, n.Name)
	}
	return u.String(), nil
}

// ValidID reports whether s may be used as a filter id or extension.
func ValidID(s string) bool { return isAlnum(s) }

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

func isHash(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
