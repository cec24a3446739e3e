// Package telemetry logs Observation Table deltas to per-booking CSV
// files while a booking is unbuffered-active, uploading the finished
// file to the Server on close. Grounded on original_source's
// tasks/telemetry_manager.rs and its sibling per-table row encoders.
package telemetry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/types"
)

// TableSpec turns Observation Table deltas into CSV rows for one
// registered logical table.
type TableSpec interface {
	// Endpoint is the single Observation Table endpoint this table
	// watches.
	Endpoint() types.Endpoint
	// Row is called on every delta for Endpoint; returning ok=false
	// means this delta did not warrant a new row (buffering/rate
	// limiting is the spec's own concern).
	Row(values map[string]json.RawMessage, now time.Time) (row []string, ok bool)
	// Header names the CSV columns Row produces.
	Header() []string
	// RemoteType names the Server-side telemetry type to upload as,
	// or ok=false if this table is local-only.
	RemoteType() (remoteType string, ok bool)
}

// resetter is implemented by TableSpecs that buffer state across rows;
// Manager calls reset when a new logging session starts so a prior
// booking's partial state never leaks into the next.
type resetter interface {
	reset()
}

// TableClass selects which TableSpec constructor a configured table
// uses. Grounded on original_source's config/telemetry.rs TableClass
// enum (Z2mPowerMeter/Z2mAq/SoundMeter).
type TableClass string

const (
	TableClassZ2mPowerMeter  TableClass = "z2m_power_meter"
	TableClassZ2mAirQuality  TableClass = "z2m_air_quality"
	TableClassSoundMeter     TableClass = "sound_meter"
)

// TableConfig declares one telemetry table: which device endpoint it
// watches, which TableSpec class to build for it, and the Server-side
// type to upload under (empty for local-only logging).
type TableConfig struct {
	Name       string          `toml:"name"`
	Class      TableClass      `toml:"class"`
	Device     types.DeviceRef `toml:"device"`
	Key        string          `toml:"key"` // sound-meter publish key
	RemoteType string          `toml:"remote_type"`
}

// Config configures which units a registered table applies to, and the
// set of tables to build from declared devices. A table name absent
// from Units, or mapped to an empty slice, applies to every unit.
type Config struct {
	Units  map[string][]types.UnitId `toml:"units"`
	Tables []TableConfig             `toml:"table"`
}

// RegisterConfiguredTables builds and registers a TableSpec for every
// entry in cfg.Tables, backed by table. Call once, after New, before
// any booking callbacks fire.
func (m *Manager) RegisterConfiguredTables(table *obstable.Table) error {
	for _, tc := range m.cfg.Tables {
		ep := types.DeviceEndpoint(tc.Device)
		var spec TableSpec
		switch tc.Class {
		case TableClassZ2mPowerMeter:
			spec = NewZ2mPowerMeterSpec(ep, tc.RemoteType)
		case TableClassZ2mAirQuality:
			spec = NewZ2mAirQualitySpec(ep, tc.RemoteType)
		case TableClassSoundMeter:
			spec = NewSoundMeterSpec(ep, tc.Key, tc.RemoteType)
		default:
			return fmt.Errorf("telemetry: unknown table class %q for table %q", tc.Class, tc.Name)
		}
		m.RegisterTable(tc.Name, spec, table)
	}
	return nil
}

type registration struct {
	name  string
	spec  TableSpec
	table *obstable.Table
	units []types.UnitId
}

type session struct {
	file   *os.File
	writer *csv.Writer
	path   string
	cancel func()
}

// Manager owns every registered table's logging lifecycle.
type Manager struct {
	cfg    Config
	client *rpcclient.Client
	dir    string
	logger *slog.Logger

	mu            sync.Mutex
	registrations []registration
	sessions      map[string]*session // keyed by "<table>-<bookingID>"
}

// New constructs a Manager. Register tables with RegisterTable before
// wiring OnEventStart/OnEventEnd as a booking.Callback.
func New(cfg Config, client *rpcclient.Client, dir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		dir:      dir,
		logger:   log,
		sessions: make(map[string]*session),
	}
}

// RegisterTable adds a named table spec backed by table, scoped to the
// units configured for name in Config.Units (all units if unconfigured).
func (m *Manager) RegisterTable(name string, spec TableSpec, table *obstable.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = append(m.registrations, registration{
		name:  name,
		spec:  spec,
		table: table,
		units: m.cfg.Units[name],
	})
}

func sessionKey(name string, id types.BookingId) string {
	return fmt.Sprintf("%s-%s", name, id.String())
}

func unitInScope(unit types.UnitId, scope []types.UnitId) bool {
	if len(scope) == 0 {
		return true
	}
	for _, u := range scope {
		if u == unit {
			return true
		}
	}
	return false
}

// OnEventCreated implements booking.Callback. Telemetry logging only
// cares about start/end transitions, not creation.
func (m *Manager) OnEventCreated(ctx context.Context, b booking.Booking, inProgress bool) error {
	return nil
}

// OnEventDeleted implements booking.Callback.
func (m *Manager) OnEventDeleted(ctx context.Context, b booking.Booking, inProgress bool) error {
	return nil
}

// OnEventStart implements booking.Callback: an unbuffered start opens a
// fresh CSV file per in-scope registered table and begins streaming
// rows from that table's endpoint.
func (m *Manager) OnEventStart(ctx context.Context, b booking.Booking, buffered bool) error {
	if buffered {
		return nil
	}

	m.mu.Lock()
	regs := append([]registration(nil), m.registrations...)
	m.mu.Unlock()

	for _, reg := range regs {
		if !unitInScope(b.UnitId, reg.units) {
			continue
		}
		if err := m.startSession(ctx, reg, b.ID); err != nil {
			m.logger.Error("telemetry: could not start session", "table", reg.name, "booking", b.ID, "error", err)
		}
	}
	return nil
}

// OnEventEnd implements booking.Callback: an unbuffered end closes the
// session and, if the table has a remote type configured, uploads it.
func (m *Manager) OnEventEnd(ctx context.Context, b booking.Booking, buffered bool) error {
	if buffered {
		return nil
	}

	m.mu.Lock()
	regs := append([]registration(nil), m.registrations...)
	m.mu.Unlock()

	for _, reg := range regs {
		if !unitInScope(b.UnitId, reg.units) {
			continue
		}
		m.stopSession(ctx, reg, b.ID)
	}
	return nil
}

func (m *Manager) startSession(ctx context.Context, reg registration, id types.BookingId) error {
	if r, ok := reg.spec.(resetter); ok {
		r.reset()
	}

	path := filepath.Join(m.dir, fmt.Sprintf("%s-%s.csv", reg.name, id.String()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create telemetry file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(reg.spec.Header()); err != nil {
		f.Close()
		return fmt.Errorf("write telemetry header: %w", err)
	}
	w.Flush()

	updates, _, cancel := reg.table.Subscribe(reg.spec.Endpoint())

	sess := &session{file: f, writer: w, path: path, cancel: cancel}

	m.mu.Lock()
	m.sessions[sessionKey(reg.name, id)] = sess
	m.mu.Unlock()

	m.logger.Info("telemetry: session started", "table", reg.name, "booking", id, "path", path)

	go func() {
		for values := range updates {
			m.writeRow(reg.spec, sess, values)
		}
	}()

	return nil
}

func (m *Manager) writeRow(spec TableSpec, sess *session, values obstable.Values) {
	row, ok := spec.Row(map[string]json.RawMessage(values), time.Now())
	if !ok {
		return
	}
	if err := sess.writer.Write(row); err != nil {
		m.logger.Warn("telemetry: could not write row", "path", sess.path, "error", err)
		return
	}
	sess.writer.Flush()
}

func (m *Manager) stopSession(ctx context.Context, reg registration, id types.BookingId) {
	key := sessionKey(reg.name, id)

	m.mu.Lock()
	sess, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.cancel()
	sess.writer.Flush()
	info, statErr := sess.file.Stat()
	sess.file.Close()

	if statErr == nil {
		m.logger.Info("telemetry: session finished", "table", reg.name, "booking", id, "size", humanize.Bytes(uint64(info.Size())))
	} else {
		m.logger.Info("telemetry: session finished", "table", reg.name, "booking", id)
	}

	remoteType, ok := reg.spec.RemoteType()
	if !ok {
		return
	}

	contents, err := os.ReadFile(sess.path)
	if err != nil {
		m.logger.Error("telemetry: could not read file for upload", "path", sess.path, "error", err)
		return
	}

	err = m.client.PostMultipart(
		ctx,
		fmt.Sprintf("/booking/%s/telemetry", id.String()),
		"file", filepath.Base(sess.path), contents, "text/csv",
		"request", map[string]string{"type": remoteType},
		nil,
	)
	if err != nil {
		m.logger.Error("telemetry: upload failed", "path", sess.path, "error", err)
		return
	}
	m.logger.Info("telemetry: uploaded", "path", sess.path, "bytes", humanize.Bytes(uint64(len(contents))))
}
