package diagnostics

import "testing"

func TestRaiseAndGet(t *testing.T) {
	reg := NewRegistry()

	reg.Raise("matter", "invalid_controller_version", SeverityError, "invalid_controller_version")

	issue := reg.Get("matter", "invalid_controller_version")
	if issue == nil {
		t.Fatal("issue should be active after Raise")
	}
	if issue.Severity != SeverityError {
		t.Fatalf("severity = %q", issue.Severity)
	}
	if issue.CreatedAt.IsZero() {
		t.Fatal("CreatedAt should be set")
	}
}

func TestRaise_Deduplicates(t *testing.T) {
	reg := NewRegistry()

	reg.Raise("matter", "invalid_controller_version", SeverityError, "invalid_controller_version")
	first := reg.Get("matter", "invalid_controller_version")

	reg.Raise("matter", "invalid_controller_version", SeverityWarning, "other")
	second := reg.Get("matter", "invalid_controller_version")

	if second != first {
		t.Fatal("re-raising must not replace the existing issue")
	}
	if len(reg.Active()) != 1 {
		t.Fatalf("active issues = %d, want 1", len(reg.Active()))
	}
}

func TestClear(t *testing.T) {
	reg := NewRegistry()

	// Clearing a non-existent issue is a no-op.
	reg.Clear("matter", "invalid_controller_version")

	reg.Raise("matter", "invalid_controller_version", SeverityError, "invalid_controller_version")
	reg.Clear("matter", "invalid_controller_version")

	if reg.Get("matter", "invalid_controller_version") != nil {
		t.Fatal("issue should be gone after Clear")
	}
}

func TestActive_Sorted(t *testing.T) {
	reg := NewRegistry()
	reg.Raise("zwave", "b", SeverityWarning, "b")
	reg.Raise("matter", "z", SeverityWarning, "z")
	reg.Raise("matter", "a", SeverityWarning, "a")

	active := reg.Active()
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	want := []string{"matter/a [warning]", "matter/z [warning]", "zwave/b [warning]"}
	for i, issue := range active {
		if issue.String() != want[i] {
			t.Fatalf("active[%d] = %s, want %s", i, issue, want[i])
		}
	}
}
