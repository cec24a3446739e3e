package presence

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingCallback struct {
	mu      sync.Mutex
	enters  int
	leaves  int
}

func (c *countingCallback) OnEnter(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enters++
	return nil
}

func (c *countingCallback) OnLeave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func TestMarkSeenFiresOnEnterOnce(t *testing.T) {
	m := New(nil, time.Second, 5*time.Minute, time.Second, testLogger())
	cb := &countingCallback{}
	m.AddCallback(cb)

	m.markSeen(context.Background(), netip.MustParseAddr("127.0.0.1"))
	m.markSeen(context.Background(), netip.MustParseAddr("127.0.0.1"))

	if !m.IsPresent() {
		t.Fatal("expected present")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.enters != 1 {
		t.Errorf("got %d enters, want 1 (edge-triggered)", cb.enters)
	}
}

func TestMarkAwayDoesNotFireBeforeAwayInterval(t *testing.T) {
	m := New(nil, time.Second, time.Hour, time.Second, testLogger())
	cb := &countingCallback{}
	m.AddCallback(cb)

	m.markSeen(context.Background(), netip.MustParseAddr("127.0.0.1"))
	m.markAway(context.Background())

	if !m.IsPresent() {
		t.Fatal("expected still present before away interval elapses")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.leaves != 0 {
		t.Errorf("got %d leaves, want 0", cb.leaves)
	}
}

func TestMarkAwayFiresAfterAwayInterval(t *testing.T) {
	m := New(nil, time.Second, time.Millisecond, time.Second, testLogger())
	cb := &countingCallback{}
	m.AddCallback(cb)

	m.markSeen(context.Background(), netip.MustParseAddr("127.0.0.1"))
	time.Sleep(5 * time.Millisecond)
	m.markAway(context.Background())

	if m.IsPresent() {
		t.Fatal("expected not present after away interval elapses")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.leaves != 1 {
		t.Errorf("got %d leaves, want 1", cb.leaves)
	}
}
