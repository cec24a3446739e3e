// Package audio captures a unit's in-room audio for the duration of a
// booking and uploads the finished recording. Grounded on
// original_source's tasks/audio_recorder.rs, with the source's Google
// Drive upload replaced by the Signed RPC Client's multipart upload —
// no Google Drive SDK appears anywhere in the example corpus to ground
// a port of that dependency on.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/types"
)

// UnitConfig names one unit's capture pipeline: a pw-record/lame shell
// pipeline writing an mp3 to PathPrefix, keyed by booking id.
type UnitConfig struct {
	PathPrefix   string `toml:"path_prefix"`
	PwRecordBin  string `toml:"pw_record_bin"`
	SamplingRate int    `toml:"sampling_rate"`
	TargetDevice string `toml:"target_device"`
	LameBin      string `toml:"lame_bin"`
	Mp3Bitrate   int    `toml:"mp3_bitrate"`
}

// Config configures the Audio Recorder, one capture pipeline per unit.
type Config struct {
	Units map[types.UnitId]UnitConfig `toml:"unit"`
}

type recording struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Recorder is the Audio Recorder.
type Recorder struct {
	cfg    Config
	client *rpcclient.Client
	logger *slog.Logger

	mu          sync.Mutex
	active      map[types.BookingId]*recording
	exitedEarly map[types.BookingId]struct{}
}

// New constructs a Recorder.
func New(cfg Config, client *rpcclient.Client, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		cfg:         cfg,
		client:      client,
		logger:      log,
		active:      make(map[types.BookingId]*recording),
		exitedEarly: make(map[types.BookingId]struct{}),
	}
}

func (r *Recorder) unitConfig(unit types.UnitId) (UnitConfig, bool) {
	cfg, ok := r.cfg.Units[unit]
	return cfg, ok
}

func (r *Recorder) path(cfg UnitConfig, id types.BookingId) string {
	return filepath.Join(cfg.PathPrefix, fmt.Sprintf("%s.mp3", id.String()))
}

func (r *Recorder) start(cfg UnitConfig, id types.BookingId) error {
	script := fmt.Sprintf(
		"%s --rate %d --target=%s - | %s -s %.3f -r -b %d - -o %s",
		cfg.PwRecordBin, cfg.SamplingRate, cfg.TargetDevice,
		cfg.LameBin, float64(cfg.SamplingRate)/1000.0, cfg.Mp3Bitrate,
		r.path(cfg, id),
	)
	cmd := exec.Command("sh", "-c", script)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recording pipeline: %w", err)
	}

	rec := &recording{cmd: cmd, done: make(chan struct{})}

	r.mu.Lock()
	r.active[id] = rec
	r.mu.Unlock()

	go r.watch(id, rec)

	r.logger.Info("audio: recording started", "booking", id)
	return nil
}

// watch is the only goroutine that ever calls rec.cmd.Wait; stop
// observes completion through rec.done instead of calling Wait itself,
// since calling Wait concurrently from two goroutines is invalid.
func (r *Recorder) watch(id types.BookingId, rec *recording) {
	rec.cmd.Wait()
	close(rec.done)

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[id]; ok && current == rec {
		r.exitedEarly[id] = struct{}{}
	}
}

func (r *Recorder) stop(cfg UnitConfig, id types.BookingId) {
	r.mu.Lock()
	rec, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if rec.cmd.Process != nil {
		_ = rec.cmd.Process.Kill()
	}
	<-rec.done

	r.logger.Info("audio: recording finished, uploading", "booking", id)

	path := r.path(cfg, id)
	contents, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("audio: recording file missing", "booking", id, "path", path, "error", err)
		return
	}

	go r.upload(id, path, contents)
}

func (r *Recorder) upload(id types.BookingId, path string, contents []byte) {
	err := r.client.PostMultipart(
		context.Background(),
		fmt.Sprintf("/booking/%s/telemetry", id.String()),
		"file", filepath.Base(path), contents, "audio/mp3",
		"request", map[string]string{"type": "audio"},
		nil,
	)
	if err != nil {
		r.logger.Error("audio: upload failed", "booking", id, "error", err)
		return
	}
	r.logger.Info("audio: uploaded", "booking", id)
}

// SweepZombies logs and drops any recording whose capture pipeline
// exited on its own rather than via stop — a premature-exit detection
// pass, grounded on audio_recorder.rs's update().
func (r *Recorder) SweepZombies(ctx context.Context) {
	r.mu.Lock()
	ids := make([]types.BookingId, 0, len(r.exitedEarly))
	for id := range r.exitedEarly {
		ids = append(ids, id)
		delete(r.exitedEarly, id)
		delete(r.active, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.logger.Error("audio: recording process exited prematurely", "booking", id)
	}
}

// OnEventCreated implements booking.Callback: a booking created already
// in progress starts recording immediately.
func (r *Recorder) OnEventCreated(ctx context.Context, b booking.Booking, inProgress bool) error {
	if !inProgress {
		return nil
	}
	if cfg, ok := r.unitConfig(b.UnitId); ok {
		if err := r.start(cfg, b.ID); err != nil {
			r.logger.Warn("audio: could not start recorder", "booking", b.ID, "error", err)
		}
	}
	return nil
}

// OnEventDeleted implements booking.Callback.
func (r *Recorder) OnEventDeleted(ctx context.Context, b booking.Booking, inProgress bool) error {
	if !inProgress {
		return nil
	}
	if cfg, ok := r.unitConfig(b.UnitId); ok {
		r.stop(cfg, b.ID)
	}
	return nil
}

// OnEventStart implements booking.Callback.
func (r *Recorder) OnEventStart(ctx context.Context, b booking.Booking, buffered bool) error {
	if buffered {
		return nil
	}
	if cfg, ok := r.unitConfig(b.UnitId); ok {
		if err := r.start(cfg, b.ID); err != nil {
			r.logger.Warn("audio: could not start recorder", "booking", b.ID, "error", err)
		}
	}
	return nil
}

// OnEventEnd implements booking.Callback.
func (r *Recorder) OnEventEnd(ctx context.Context, b booking.Booking, buffered bool) error {
	if buffered {
		return nil
	}
	if cfg, ok := r.unitConfig(b.UnitId); ok {
		r.stop(cfg, b.ID)
	}
	return nil
}
