package audio

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParseBookingID() types.BookingId {
	id, err := types.ParseBookingId("8f14e45f-ceea-467e-adc1-0b65975fc7f1")
	if err != nil {
		panic(err)
	}
	return id
}

func newTestRecorder(t *testing.T, uploaded chan struct{}) (*Recorder, UnitConfig) {
	t.Helper()
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
		select {
		case uploaded <- struct{}{}:
		default:
		}
	}))
	t.Cleanup(srv.Close)

	_, priv, _ := ed25519.GenerateKey(nil)
	client, err := rpcclient.New(rpcclient.Config{
		SpaceID:    "space-1",
		URLBase:    srv.URL,
		PrivateKey: priv,
		ExpiresIn:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("rpcclient.New: %v", err)
	}

	// "true" stands in for the real pw-record/lame pipeline: it exits
	// immediately without writing anything, so tests seed the expected
	// output file themselves before exercising stop's upload path.
	cfg := UnitConfig{PathPrefix: dir, PwRecordBin: "true", LameBin: "true", SamplingRate: 48000, Mp3Bitrate: 128, TargetDevice: "mic"}
	r := New(Config{Units: map[types.UnitId]UnitConfig{"room-1": cfg}}, client, testLogger())
	return r, cfg
}

func TestOnEventStartThenEndUploadsRecording(t *testing.T) {
	uploaded := make(chan struct{}, 1)
	r, cfg := newTestRecorder(t, uploaded)
	b := booking.Booking{ID: mustParseBookingID(), UnitId: types.UnitId("room-1")}

	if err := r.OnEventStart(context.Background(), b, false); err != nil {
		t.Fatalf("OnEventStart: %v", err)
	}

	if err := os.WriteFile(r.path(cfg, b.ID), []byte("fake mp3 bytes"), 0o644); err != nil {
		t.Fatalf("seed output file: %v", err)
	}

	if err := r.OnEventEnd(context.Background(), b, false); err != nil {
		t.Fatalf("OnEventEnd: %v", err)
	}

	select {
	case <-uploaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the finished recording to be uploaded")
	}
}

func TestBufferedTransitionsAreIgnored(t *testing.T) {
	uploaded := make(chan struct{}, 1)
	r, _ := newTestRecorder(t, uploaded)
	b := booking.Booking{ID: mustParseBookingID(), UnitId: types.UnitId("room-1")}

	if err := r.OnEventStart(context.Background(), b, true); err != nil {
		t.Fatalf("OnEventStart: %v", err)
	}
	r.mu.Lock()
	_, active := r.active[b.ID]
	r.mu.Unlock()
	if active {
		t.Fatal("expected a buffered start not to begin recording")
	}
}

func TestStopDoesNotMarkGracefulStopAsZombie(t *testing.T) {
	uploaded := make(chan struct{}, 1)
	r, cfg := newTestRecorder(t, uploaded)
	id := mustParseBookingID()

	if err := r.start(cfg, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := os.WriteFile(r.path(cfg, id), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed output file: %v", err)
	}
	r.stop(cfg, id)

	r.mu.Lock()
	_, zombie := r.exitedEarly[id]
	r.mu.Unlock()
	if zombie {
		t.Fatal("expected a graceful stop not to be flagged as a premature exit")
	}
}

func TestSweepZombiesDetectsPrematureExit(t *testing.T) {
	r := New(Config{}, nil, testLogger())
	id := mustParseBookingID()

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := &recording{cmd: cmd, done: make(chan struct{})}
	r.active[id] = rec
	go r.watch(id, rec)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		_, exited := r.exitedEarly[id]
		r.mu.Unlock()
		if exited {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.SweepZombies(context.Background())

	r.mu.Lock()
	_, stillActive := r.active[id]
	r.mu.Unlock()
	if stillActive {
		t.Fatal("expected SweepZombies to drop the process that exited on its own")
	}
}
