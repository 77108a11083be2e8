package page

import (
	"sort"
	"testing"
)

func TestKey(t *testing.T) {
	t.Run("String_Roundtrip", func(t *testing.T) {
		k := NewKey("ledger-a", []byte{0x00, 0xff, 0x10})
		if k.String() != "ledger-a/00ff10" {
			t.Fatalf("unexpected string form: %s", k.String())
		}

		parsed, err := ParseKey(k.String())
		if err != nil {
			t.Fatalf("failed to parse key: %v", err)
		}
		if parsed != k {
			t.Errorf("expected %v, got %v", k, parsed)
		}
	})

	t.Run("Parse_Errors", func(t *testing.T) {
		for _, s := range []string{"", "noslash", "/00", "scope/zz", "scope/"} {
			if _, err := ParseKey(s); err == nil {
				t.Errorf("expected error parsing %q", s)
			}
		}
	})

	t.Run("Ordering", func(t *testing.T) {
		keys := []Key{
			NewKey("b", []byte("1")),
			NewKey("a", []byte("2")),
			NewKey("a", []byte("1")),
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

		if keys[0] != NewKey("a", []byte("1")) || keys[2] != NewKey("b", []byte("1")) {
			t.Errorf("unexpected order: %v", keys)
		}
	})

	t.Run("Hash_Separates_Scope_And_ID", func(t *testing.T) {
		a := Key{Scope: "ab", ID: "c"}
		b := Key{Scope: "a", ID: "bc"}
		if a.Hash() == b.Hash() {
			t.Errorf("expected distinct hashes for %v and %v", a, b)
		}
		if a.Hash() != (Key{Scope: "ab", ID: "c"}).Hash() {
			t.Errorf("hash must be stable")
		}
	})
}
