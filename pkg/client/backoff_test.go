package client

import (
	"testing"
	"time"
)

func TestBackoffExponentialAndCapped(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 10}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second, // capped
		10 * time.Second,
	}
	for i, w := range want {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: exhausted early", i)
		}
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffExhaustsAfterMaxAttempts(t *testing.T) {
	b := &Backoff{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}

	for i := 0; i < 3; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("attempt beyond MaxAttempts allowed")
	}
	// Still exhausted on repeat calls.
	if _, ok := b.Next(); ok {
		t.Fatal("exhausted backoff granted another attempt")
	}
}

func TestBackoffResetRestoresBaseDelay(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: time.Minute, MaxAttempts: 10}

	b.Next()
	b.Next()
	b.Next() // escalated to 4s

	b.Reset() // successful reconnect

	got, ok := b.Next()
	if !ok {
		t.Fatal("reset backoff refused an attempt")
	}
	if got != time.Second {
		t.Fatalf("delay after reset = %v, want base %v", got, time.Second)
	}
}

func TestBackoffOverflowFallsBackToMax(t *testing.T) {
	b := &Backoff{Base: time.Hour, Max: 2 * time.Hour, MaxAttempts: 100}
	for i := 0; i < 70; i++ {
		got, ok := b.Next()
		if !ok {
			t.Fatal("exhausted early")
		}
		if got <= 0 || got > 2*time.Hour {
			t.Fatalf("attempt %d: delay %v out of range", i, got)
		}
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDisconnected: "disconnected",
		StateOffline:      "offline",
		ConnState(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
