package backoff

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	p := Default()

	testCases := []struct {
		name     string
		attempts int
		expected time.Duration
	}{
		{name: "first attempt", attempts: 0, expected: 1 * time.Second},
		{name: "one failure", attempts: 1, expected: 2 * time.Second},
		{name: "two failures", attempts: 2, expected: 4 * time.Second},
		{name: "five failures", attempts: 5, expected: 32 * time.Second},
		{name: "ten failures", attempts: 10, expected: 1024 * time.Second},
		{name: "capped at one hour", attempts: 12, expected: time.Hour},
		{name: "way past the cap", attempts: 100, expected: time.Hour},
		{name: "negative clamps to base", attempts: -3, expected: 1 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Delay(tc.attempts); got != tc.expected {
				t.Errorf("Delay(%d) = %s, want %s", tc.attempts, got, tc.expected)
			}
		})
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	p := Default()
	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := p.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %s decreased from %s", n, d, prev)
		}
		if d > time.Hour {
			t.Fatalf("Delay(%d) = %s exceeds the one hour cap", n, d)
		}
		prev = d
	}
}

func TestExhausted(t *testing.T) {
	p := Default()
	for n := 0; n < DefaultMaxAttempts; n++ {
		if p.Exhausted(n) {
			t.Errorf("Exhausted(%d) = true before the ceiling", n)
		}
	}
	if !p.Exhausted(DefaultMaxAttempts) {
		t.Errorf("Exhausted(%d) = false at the ceiling", DefaultMaxAttempts)
	}
	if !p.Exhausted(DefaultMaxAttempts + 1) {
		t.Error("Exhausted past the ceiling = false")
	}
}

func TestZeroValuePolicyUsesDefaults(t *testing.T) {
	var p Policy
	if got := p.Delay(0); got != time.Second {
		t.Errorf("zero-value Delay(0) = %s, want 1s", got)
	}
	if got := p.Delay(100); got != time.Hour {
		t.Errorf("zero-value Delay(100) = %s, want 1h", got)
	}
	if !p.Exhausted(5) {
		t.Error("zero-value Exhausted(5) = false, want true")
	}
}
