package flowstore

import "testing"

func TestStatusKeyOrdering(t *testing.T) {
	// Lexicographic key order must match numeric batch order.
	a := statusKey("instance-1", 2)
	b := statusKey("instance-1", 10)
	c := statusKey("instance-1", 100)
	if !(a < b && b < c) {
		t.Fatalf("keys not ordered: %q %q %q", a, b, c)
	}

	if got, want := statusKey("p", 0), "p.000000000000"; got != want {
		t.Errorf("statusKey = %q, want %q", got, want)
	}
}
