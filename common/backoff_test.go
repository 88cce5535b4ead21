package common

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{30, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, max, tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
	if got := Backoff(0, max, 3); got != 0 {
		t.Fatalf("expected zero delay without base, got %s", got)
	}
	if got := Backoff(base, 0, 4); got != 800*time.Millisecond {
		t.Fatalf("expected uncapped delay, got %s", got)
	}
}
