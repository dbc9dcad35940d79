package stream

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextBackoffDelayDoublesToCap(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     8 * time.Second,
		Jitter:       false,
	}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, expect := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != expect {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, expect)
		}
	}
}

func TestNextBackoffDelayMonotoneNonDecreasing(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		got := NextBackoffDelay(cfg, attempt, nil)
		if got < prev {
			t.Fatalf("attempt%d delay %v < previous %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestNextBackoffDelayJitterStaysInUpperHalf(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     8 * time.Second,
		Jitter:       true,
	}
	plain := cfg
	plain.Jitter = false

	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt <= 8; attempt++ {
		nominal := NextBackoffDelay(plain, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < nominal/2 || got > nominal {
			t.Fatalf("attempt%d jittered delay %v outside [%v, %v]", attempt, got, nominal/2, nominal)
		}
	}
}
