package identity

import (
	"strings"
	"testing"
)

func TestStringForm(t *testing.T) {
	id := New("sess1", "alice")
	s := id.String()
	if !strings.HasPrefix(s, "sess1-alice-") {
		t.Fatalf("wire form %q, want sess1-alice-<suffix>", s)
	}
	suffix := strings.TrimPrefix(s, "sess1-alice-")
	if len(suffix) != 12 {
		t.Fatalf("suffix %q has length %d, want 12", suffix, len(suffix))
	}
	if strings.Contains(suffix, "-") {
		t.Fatalf("suffix %q contains a separator", suffix)
	}
}

func TestMintsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := New("sess1", "alice").String()
		if seen[s] {
			t.Fatalf("duplicate identity %q after %d mints", s, i)
		}
		seen[s] = true
	}
}
