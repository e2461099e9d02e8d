package core

import (
	"testing"
	"time"
)

func TestThrottle_DoubleCapped(t *testing.T) {
	th := NewThrottle(1*time.Second, 500*time.Millisecond, 8*time.Second)

	tests := []struct {
		want    time.Duration
		capHit  bool
	}{
		{2 * time.Second, false},
		{4 * time.Second, false},
		{8 * time.Second, true},
		{8 * time.Second, true}, // stays at cap
	}

	for i, tt := range tests {
		capHit := th.Double()
		if th.Current() != tt.want {
			t.Errorf("after %d doubles: Current() = %v, want %v", i+1, th.Current(), tt.want)
		}
		if capHit != tt.capHit {
			t.Errorf("after %d doubles: capHit = %v, want %v", i+1, capHit, tt.capHit)
		}
	}
}

func TestThrottle_HalveFloored(t *testing.T) {
	th := NewThrottle(4*time.Second, 1*time.Second, 60*time.Second)

	wants := []time.Duration{
		2 * time.Second,
		1 * time.Second,
		1 * time.Second, // stays at floor
	}
	for i, want := range wants {
		th.Halve()
		if th.Current() != want {
			t.Errorf("after %d halvings: Current() = %v, want %v", i+1, th.Current(), want)
		}
	}
}

func TestThrottle_InitialClamped(t *testing.T) {
	if got := NewThrottle(10*time.Second, 1*time.Second, 5*time.Second).Current(); got != 5*time.Second {
		t.Errorf("initial above max: Current() = %v, want 5s", got)
	}
	if got := NewThrottle(100*time.Millisecond, 1*time.Second, 5*time.Second).Current(); got != 1*time.Second {
		t.Errorf("initial below min: Current() = %v, want 1s", got)
	}
}

func TestThrottle_NeverLeavesBounds(t *testing.T) {
	min, max := 250*time.Millisecond, 16*time.Second
	th := NewThrottle(1*time.Second, min, max)

	for i := 0; i < 20; i++ {
		th.Double()
		if th.Current() < min || th.Current() > max {
			t.Fatalf("Double left bounds: %v", th.Current())
		}
	}
	for i := 0; i < 20; i++ {
		th.Halve()
		if th.Current() < min || th.Current() > max {
			t.Fatalf("Halve left bounds: %v", th.Current())
		}
	}
}
