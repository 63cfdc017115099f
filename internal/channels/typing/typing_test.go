package typing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStartSendsImmediatelyAndKeepsAlive(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		MaxDuration:       time.Second,
		KeepaliveInterval: 20 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})

	c.Start()
	time.Sleep(110 * time.Millisecond)
	c.Stop()

	got := calls.Load()
	if got < 3 {
		t.Errorf("calls = %d, want at least 3 (initial + keepalives)", got)
	}

	// No further sends after Stop.
	after := calls.Load()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != after {
		t.Error("keepalive continued after Stop")
	}
}

func TestMaxDurationStopsLoop(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		MaxDuration:       50 * time.Millisecond,
		KeepaliveInterval: 10 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})

	c.Start()
	time.Sleep(150 * time.Millisecond)

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != after {
		t.Error("keepalive continued past MaxDuration")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(Options{StartFn: func() error { return nil }})
	c.Start()
	c.Stop()
	c.Stop() // must not panic
}

func TestRestartReplacesLoop(t *testing.T) {
	var calls atomic.Int32
	c := New(Options{
		MaxDuration:       time.Second,
		KeepaliveInterval: 10 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})

	c.Start()
	c.Start()
	time.Sleep(55 * time.Millisecond)
	c.Stop()

	// A replaced loop must not double the keepalive rate: ~5 ticks plus two
	// initial sends, with slack for scheduling.
	if got := calls.Load(); got > 12 {
		t.Errorf("calls = %d, old loop kept running after restart", got)
	}
}
