package clock

import (
	"testing"
	"time"
)

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := Real{}.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() outside expected window: %v", got)
	}
}

func TestFake_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("expected %v, got %v", start, fake.Now())
	}

	fake.Advance(30 * time.Minute)
	if !fake.Now().Equal(start.Add(30 * time.Minute)) {
		t.Errorf("expected advance by 30m, got %v", fake.Now())
	}

	target := start.Add(2 * time.Hour)
	fake.Set(target)
	if !fake.Now().Equal(target) {
		t.Errorf("expected %v after Set, got %v", target, fake.Now())
	}
}
