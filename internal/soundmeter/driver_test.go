package soundmeter

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeFrameScalesByTen(t *testing.T) {
	got := decodeFrame([]byte{0x01, 0xF4, '\r', '\n'})
	want := 50.0
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDecodeFrameZero(t *testing.T) {
	if got := decodeFrame([]byte{0, 0, 0, 0}); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	if _, err := New(nil, obstable.New(), testLogger()); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestDeviceEndpointUsesSoundMeterType(t *testing.T) {
	ep := deviceEndpoint(types.SoundMeterId("meter-1"))
	if ep.Device.Type != types.DeviceTypeSoundMeter {
		t.Fatalf("got device type %v, want SoundMeter", ep.Device.Type)
	}
	if ep.Device.ID != "meter-1" {
		t.Fatalf("got device id %q, want meter-1", ep.Device.ID)
	}
}
