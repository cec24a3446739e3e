package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduleAtFires(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())
	defer s.Stop()

	var fired atomic.Bool
	s.ScheduleAt("booking_1_start", time.Now().Add(20*time.Millisecond), func(ctx context.Context) error {
		fired.Store(true)
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	if !fired.Load() {
		t.Fatal("expected task to have fired")
	}
}

func TestScheduleAtIsIdempotentByName(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())
	defer s.Stop()

	var count atomic.Int32
	inc := func(ctx context.Context) error {
		count.Add(1)
		return nil
	}

	// Registering the same name twice before it fires replaces the timer,
	// not adds a second one.
	s.ScheduleAt("booking_1_end", time.Now().Add(50*time.Millisecond), inc)
	s.ScheduleAt("booking_1_end", time.Now().Add(50*time.Millisecond), inc)

	time.Sleep(150 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())
	defer s.Stop()

	var fired atomic.Bool
	s.ScheduleAt("booking_1_start_with_buffer", time.Now().Add(30*time.Millisecond), func(ctx context.Context) error {
		fired.Store(true)
		return nil
	})
	s.Cancel("booking_1_start_with_buffer")

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Fatal("expected canceled task not to fire")
	}
}

func TestPendingReportsRegisteredTimers(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())
	defer s.Stop()

	if s.Pending("x") {
		t.Fatal("expected no pending entry before scheduling")
	}

	s.ScheduleAt("x", time.Now().Add(time.Hour), func(ctx context.Context) error { return nil })
	if !s.Pending("x") {
		t.Fatal("expected pending entry after scheduling")
	}

	s.Cancel("x")
	if s.Pending("x") {
		t.Fatal("expected no pending entry after cancel")
	}
}

func TestScheduleEveryRepeats(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())
	defer s.Stop()

	var count atomic.Int32
	s.ScheduleEvery("reconcile", 20*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got < 2 {
		t.Fatalf("count = %d, want at least 2", got)
	}
}

func TestStopPreventsFurtherFiring(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())

	var count atomic.Int32
	s.ScheduleEvery("sync", 15*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	time.Sleep(40 * time.Millisecond)
	s.Stop()
	afterStop := count.Load()

	time.Sleep(60 * time.Millisecond)
	if got := count.Load(); got != afterStop {
		t.Fatalf("count grew after Stop: %d -> %d", afterStop, got)
	}
}

func TestScheduleDailyAtRegistersAndCancels(t *testing.T) {
	s := New(testLogger())
	s.Start(context.Background())
	defer s.Stop()

	if err := s.ScheduleDailyAt("sign_off_b1", 9, 30, 0, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("ScheduleDailyAt: %v", err)
	}
	s.Cancel("sign_off_b1")
}
