package namer

import "testing"

// ────────────────────────────────────────────────────────────────────────────
// Encode
// ────────────────────────────────────────────────────────────────────────────

func TestEncode(t *testing.T) {
	n := New("ci")

	if got, want := n.Active(42, 7), "ci-42-7"; got != want {
		t.Errorf("Active(42, 7) = %q, want %q", got, want)
	}
	if got, want := n.Recycle(3), "ci-recycle-3"; got != want {
		t.Errorf("Recycle(3) = %q, want %q", got, want)
	}
	if got, want := n.Standby("g0", 1), "ci-standby-g0-1"; got != want {
		t.Errorf("Standby(g0, 1) = %q, want %q", got, want)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// IsOwned
// ────────────────────────────────────────────────────────────────────────────

func TestIsOwned(t *testing.T) {
	n := New("ci")
	tests := []struct {
		name string
		want bool
	}{
		{"ci-42-7", true},
		{"ci-recycle-3", true},
		{"ci-standby-g0-1", true},
		{"other-server", false},
		{"cidev-42-7", false}, // must match on the "{prefix}-" boundary, not a bare prefix
	}
	for _, tt := range tests {
		if got := n.IsOwned(tt.name); got != tt.want {
			t.Errorf("IsOwned(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ────────────────────────────────────────────────────────────────────────────
// ParseRole
// ────────────────────────────────────────────────────────────────────────────

func TestParseRoleActive(t *testing.T) {
	n := New("ci")
	role, parsed, ok := n.ParseRole("ci-42-7")
	if !ok || role != RoleActive {
		t.Fatalf("ParseRole(ci-42-7) = (%v, %v, %v), want (active, _, true)", role, parsed, ok)
	}
	if parsed.RunID != 42 || parsed.JobID != 7 {
		t.Errorf("parsed = %+v, want RunID=42 JobID=7", parsed)
	}
}

func TestParseRoleRecycle(t *testing.T) {
	n := New("ci")
	role, parsed, ok := n.ParseRole("ci-recycle-9")
	if !ok || role != RoleRecycle || parsed.UID != 9 {
		t.Fatalf("ParseRole(ci-recycle-9) = (%v, %+v, %v), want (recycle, UID=9, true)", role, parsed, ok)
	}
}

func TestParseRoleStandby(t *testing.T) {
	n := New("ci")
	role, parsed, ok := n.ParseRole("ci-standby-g0-1")
	if !ok || role != RoleStandby || parsed.Group != "g0" || parsed.UID != 1 {
		t.Fatalf("ParseRole(ci-standby-g0-1) = (%v, %+v, %v), want (standby, Group=g0 UID=1, true)", role, parsed, ok)
	}
}

func TestParseRoleRejectsUnowned(t *testing.T) {
	n := New("ci")
	if _, _, ok := n.ParseRole("unrelated-server"); ok {
		t.Error("ParseRole should reject a name without the controller prefix")
	}
}

func TestParseRoleRejectsMalformed(t *testing.T) {
	n := New("ci")
	if _, _, ok := n.ParseRole("ci-notanumber"); ok {
		t.Error("ParseRole should reject a malformed owned name")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Counter
// ────────────────────────────────────────────────────────────────────────────

func TestCounterMonotonic(t *testing.T) {
	c := NewCounter(5)
	first := c.Next()
	second := c.Next()
	if first != 6 || second != 7 {
		t.Errorf("Next(), Next() = %d, %d, want 6, 7", first, second)
	}
}
