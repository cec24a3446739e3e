// Package soundmeter drives a TASI 653b sound level meter over a serial
// connection, writing raw decibel readings straight to the Observation
// Table as they arrive. Grounded on original_source's
// tasks/sound_meter_controller.rs.
package soundmeter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/types"
)

// reconnectBackoff mirrors the source's one-second sleep-then-retry loop
// after the serial stream ends.
const reconnectBackoff = time.Second

// frameSize is the fixed TASI 653b reading frame: a two-byte big-endian
// decibel-times-ten value terminated by carriage return/linefeed.
const frameSize = 4

// Config configures a single sound meter device.
type Config struct {
	ID         types.SoundMeterId `toml:"id"`
	PublishKey string             `toml:"publish_key"` // defaults to "db" if empty
	PortName   string             `toml:"port_name"`   // serial device path, e.g. "/dev/ttyUSB0"
	BaudRate   int                `toml:"baud_rate"`   // defaults to 9600 if zero
}

// Driver owns every configured sound meter's serial connection and
// publish loop.
type Driver struct {
	cfgs   []Config
	table  *obstable.Table
	logger *slog.Logger
}

// New constructs a Driver. Call Run to start streaming.
func New(cfg []Config, table *obstable.Table, log *slog.Logger) (*Driver, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg) == 0 {
		return nil, fmt.Errorf("soundmeter: no devices configured")
	}
	return &Driver{cfgs: cfg, table: table, logger: log}, nil
}

func deviceEndpoint(id types.SoundMeterId) types.Endpoint {
	return types.DeviceEndpoint(types.DeviceRef{Type: types.DeviceTypeSoundMeter, ID: string(id)})
}

// Run starts one reconnecting stream per configured device and blocks
// until ctx is canceled; each stream keeps retrying its serial port
// until then.
func (d *Driver) Run(ctx context.Context) error {
	done := make(chan struct{}, len(d.cfgs))
	for _, cfg := range d.cfgs {
		cfg := cfg
		go func() {
			d.streamDevice(ctx, cfg)
			done <- struct{}{}
		}()
	}

	for range d.cfgs {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (d *Driver) streamDevice(ctx context.Context, cfg Config) {
	key := cfg.PublishKey
	if key == "" {
		key = "db"
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 9600
	}
	ep := deviceEndpoint(cfg.ID)

	for {
		if ctx.Err() != nil {
			return
		}

		port, err := serial.Open(cfg.PortName, &serial.Mode{BaudRate: baud})
		if err != nil {
			d.logger.Error("soundmeter: could not open serial port, retrying", "device", cfg.ID, "port", cfg.PortName, "error", err)
			d.sleep(ctx, reconnectBackoff)
			continue
		}

		d.logger.Info("soundmeter: connected", "device", cfg.ID, "port", cfg.PortName)
		d.readLoop(ctx, port, ep, key)
		port.Close()

		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("soundmeter: disconnected, reconnecting", "device", cfg.ID)
		d.sleep(ctx, reconnectBackoff)
	}
}

// readLoop reads raw frames until the port errors or ctx is canceled,
// publishing each decoded reading directly — no buffering, matching the
// driver's "write as it arrives" contract.
func (d *Driver) readLoop(ctx context.Context, port serial.Port, ep types.Endpoint, key string) {
	buf := make([]byte, 256)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)

		for len(pending) >= frameSize {
			frame := pending[:frameSize]
			pending = pending[frameSize:]

			encoded, err := json.Marshal(decodeFrame(frame))
			if err != nil {
				continue
			}
			d.table.UpdateValue(ep, key, encoded)
		}
	}
}

// decodeFrame interprets a 4-byte frame as a big-endian decibel-times-ten
// reading, matching the Rust source's `value as f64 / 10.0` scaling.
func decodeFrame(frame []byte) float64 {
	raw := int(frame[0])<<8 | int(frame[1])
	return float64(raw) / 10.0
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
