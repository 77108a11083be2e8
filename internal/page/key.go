// Package page defines the identity of a replicated page.
package page

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a page by the scope it lives in and its opaque id.
// ID holds raw bytes; a string is used so that Key is comparable and usable as a map key.
type Key struct {
	Scope string
	ID    string
}

// NewKey builds a Key from a scope name and raw page id bytes.
func NewKey(scope string, id []byte) Key {
	return Key{Scope: scope, ID: string(id)}
}

// IDBytes returns a copy of the raw page id.
func (k Key) IDBytes() []byte {
	return []byte(k.ID)
}

// HexID returns the page id hex encoded, as used in paths and URLs.
func (k Key) HexID() string {
	return hex.EncodeToString([]byte(k.ID))
}

// String returns "scope/hexid".
func (k Key) String() string {
	return k.Scope + "/" + k.HexID()
}

// Compare orders keys by scope, then id.
func (k Key) Compare(other Key) int {
	if c := strings.Compare(k.Scope, other.Scope); c != 0 {
		return c
	}
	return strings.Compare(k.ID, other.ID)
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// Hash returns a stable 64 bit hash of the key.
func (k Key) Hash() uint64 {
	d := xxhash.New()
	d.WriteString(k.Scope)
	d.Write([]byte{0})
	d.WriteString(k.ID)
	return d.Sum64()
}

// Bytes encodes the key into a single byte slice, suitable for filters.
func (k Key) Bytes() []byte {
	b := make([]byte, 0, len(k.Scope)+1+len(k.ID))
	b = append(b, k.Scope...)
	b = append(b, 0)
	b = append(b, k.ID...)
	return b
}

// ParseKey parses the "scope/hexid" form produced by String.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Key{}, fmt.Errorf("invalid page key %q: expected scope/hexid", s)
	}
	return FromHex(s[:i], s[i+1:])
}

// FromHex builds a Key from a scope and a hex encoded id.
func FromHex(scope, hexID string) (Key, error) {
	if scope == "" {
		return Key{}, fmt.Errorf("page scope cannot be empty")
	}
	if strings.ContainsAny(scope, "/|\n") {
		return Key{}, fmt.Errorf("invalid page scope %q", scope)
	}
	id, err := hex.DecodeString(hexID)
	if err != nil {
		return Key{}, fmt.Errorf("invalid page id %q: %w", hexID, err)
	}
	if len(id) == 0 {
		return Key{}, fmt.Errorf("page id cannot be empty")
	}
	return NewKey(scope, id), nil
}
