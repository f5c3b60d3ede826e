// Package clientid assigns provisional identifiers to entities created
// while offline and rewrites them to server-assigned identifiers once the
// originating create has been replayed.
package clientid

import (
	"crypto/rand"
	"strings"
)

// Prefix marks client-generated identifiers.
const Prefix = "client:"

const (
	idLength = 8
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Generate returns Prefix followed by 8 random alphanumeric characters.
func Generate() string {
	var b strings.Builder
	b.Grow(len(Prefix) + idLength)
	b.WriteString(Prefix)

	// 62*4 = 248; bytes at or above it are rejected to keep the
	// distribution uniform.
	const limit = byte(len(alphabet) * 4)
	buf := make([]byte, idLength*2)
	for n := 0; n < idLength; {
		if _, err := rand.Read(buf); err != nil {
			panic("clientid: crypto/rand failed: " + err.Error())
		}
		for _, c := range buf {
			if c >= limit {
				continue
			}
			b.WriteByte(alphabet[int(c)%len(alphabet)])
			n++
			if n == idLength {
				break
			}
		}
	}
	return b.String()
}

// IsClientGenerated reports whether id was produced by Generate.
func IsClientGenerated(id string) bool {
	return strings.HasPrefix(id, Prefix)
}

// Rewrite walks v and replaces every string leaf equal to from with to.
// Maps and slices are modified in place; the returned value must be used
// in place of v for a top-level leaf. The bool reports whether anything
// changed.
func Rewrite(v any, from, to string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == from {
			return to, true
		}
		return t, false
	case map[string]any:
		changed := false
		for k, child := range t {
			if nv, ok := Rewrite(child, from, to); ok {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, child := range t {
			if nv, ok := Rewrite(child, from, to); ok {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	case []string:
		changed := false
		for i, s := range t {
			if s == from {
				t[i] = to
				changed = true
			}
		}
		return t, changed
	case map[string]string:
		changed := false
		for k, s := range t {
			if s == from {
				t[k] = to
				changed = true
			}
		}
		return t, changed
	default:
		// nil, bool, numbers
		return v, false
	}
}
