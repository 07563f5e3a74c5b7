package identity

import (
	"regexp"
	"testing"
	"time"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{12}$`)

func TestNew_format(t *testing.T) {
	s := New()
	if !hexID.MatchString(s.ID) {
		t.Errorf("id %q is not 12 lowercase hex chars", s.ID)
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestNew_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New().ID
		if seen[id] {
			t.Fatalf("duplicate id %q after %d sessions", id, i)
		}
		seen[id] = true
	}
}

func TestNewAt_deterministic(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	a := NewAt(ts, 4242)
	b := NewAt(ts, 4242)
	if a.ID != b.ID {
		t.Errorf("same inputs produced %q and %q", a.ID, b.ID)
	}
	if !a.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want %v", a.CreatedAt, ts)
	}
}

func TestNewAt_sameSecondDiffers(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b Session
	}{
		{"different nanos", NewAt(base, 1), NewAt(base.Add(time.Nanosecond), 1)},
		{"different pids", NewAt(base, 1), NewAt(base, 2)},
	}
	for _, tt := range tests {
		if tt.a.ID == tt.b.ID {
			t.Errorf("%s: ids collided: %q", tt.name, tt.a.ID)
		}
	}
}
