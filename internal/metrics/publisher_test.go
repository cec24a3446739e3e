package metrics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestMovingAverageDisabledReturnsRawValue(t *testing.T) {
	m := newMovingAverage(0)
	if got := m.push(5); got != 5 {
		t.Fatalf("got %v, want 5", got)
	}
	if got := m.push(10); got != 10 {
		t.Fatalf("got %v, want 10 (no smoothing)", got)
	}
}

func TestMovingAverageAveragesWithinWindow(t *testing.T) {
	m := newMovingAverage(time.Hour)
	m.push(2)
	m.push(4)
	got := m.push(6)
	want := 4.0
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPublisherSumsAcrossDevices(t *testing.T) {
	table := obstable.New()
	devA := types.DeviceRef{Type: types.DeviceTypeZigbee, ID: "a"}
	devB := types.DeviceRef{Type: types.DeviceTypeZigbee, ID: "b"}

	cfg := Config{
		ID:          types.MetricId("total-power"),
		PublishKeys: []string{"power"},
		Devices:     []types.DeviceRef{devA, devB},
	}

	p := New([]Config{cfg}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, table)

	// Give the collector goroutine a moment to establish its
	// subscriptions before publishing.
	time.Sleep(20 * time.Millisecond)

	table.Update(types.DeviceEndpoint(devA), obstable.Values{"power": raw(10.0)})
	table.Update(types.DeviceEndpoint(devB), obstable.Values{"power": raw(15.0)})

	deadline := time.After(time.Second)
	for {
		if v, ok := table.Get(types.MetricEndpoint(cfg.ID), "power"); ok {
			var f float64
			json.Unmarshal(v, &f)
			if f == 25.0 {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for summed metric")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
