package telemetry

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/types"
)

func asFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// z2mPowerMeterSpec passes through a power-meter device's energy/power
// readings as one row per delta. Grounded on config/z2m.rs's
// DeviceClassPowerMeter default state keys.
type z2mPowerMeterSpec struct {
	endpoint types.Endpoint
	remote   string
}

// NewZ2mPowerMeterSpec constructs the power-meter telemetry table for
// the given device endpoint. remote is the Server telemetry type to
// upload as, or "" for local-only logging.
func NewZ2mPowerMeterSpec(endpoint types.Endpoint, remote string) TableSpec {
	return &z2mPowerMeterSpec{endpoint: endpoint, remote: remote}
}

func (s *z2mPowerMeterSpec) Endpoint() types.Endpoint { return s.endpoint }
func (s *z2mPowerMeterSpec) Header() []string         { return []string{"timestamp", "energy", "power"} }
func (s *z2mPowerMeterSpec) RemoteType() (string, bool) {
	return s.remote, s.remote != ""
}

func (s *z2mPowerMeterSpec) Row(values map[string]json.RawMessage, now time.Time) ([]string, bool) {
	energy, hasEnergy := values["energy"]
	power, hasPower := values["power"]
	if !hasEnergy && !hasPower {
		return nil, false
	}
	return []string{
		now.UTC().Format(time.RFC3339),
		rawOrEmpty(energy),
		rawOrEmpty(power),
	}, true
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// z2mAirQualitySpec buffers co2/formaldehyd/humidity/temperature/voc
// field updates and emits a row at most once every 10 seconds. Grounded
// on tasks/telemetry_manager/z2m_aq.rs.
type z2mAirQualitySpec struct {
	endpoint types.Endpoint
	remote   string

	mu            sync.Mutex
	co2           int64
	formaldehyd   int64
	humidity      float64
	temperature   float64
	voc           int64
	lastPublished time.Time
}

const airQualityPublishRate = 10 * time.Second

// NewZ2mAirQualitySpec constructs the air-quality telemetry table for
// the given device endpoint.
func NewZ2mAirQualitySpec(endpoint types.Endpoint, remote string) TableSpec {
	return &z2mAirQualitySpec{endpoint: endpoint, remote: remote}
}

func (s *z2mAirQualitySpec) Endpoint() types.Endpoint { return s.endpoint }
func (s *z2mAirQualitySpec) Header() []string {
	return []string{"timestamp", "co2", "formaldehyd", "humidity", "temperature", "voc"}
}
func (s *z2mAirQualitySpec) RemoteType() (string, bool) { return s.remote, s.remote != "" }

func (s *z2mAirQualitySpec) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.co2, s.formaldehyd, s.voc = 0, 0, 0
	s.humidity, s.temperature = 0, 0
	s.lastPublished = time.Time{}
}

func (s *z2mAirQualitySpec) Row(values map[string]json.RawMessage, now time.Time) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := values["co2"]; ok {
		if f, ok := asFloat(raw); ok {
			s.co2 = int64(f)
		}
	}
	if raw, ok := values["formaldehyd"]; ok {
		if f, ok := asFloat(raw); ok {
			s.formaldehyd = int64(f)
		}
	}
	if raw, ok := values["humidity"]; ok {
		if f, ok := asFloat(raw); ok {
			s.humidity = f
		}
	}
	if raw, ok := values["temperature"]; ok {
		if f, ok := asFloat(raw); ok {
			s.temperature = f
		}
	}
	if raw, ok := values["voc"]; ok {
		if f, ok := asFloat(raw); ok {
			s.voc = int64(f)
		}
	}

	if now.Sub(s.lastPublished) <= airQualityPublishRate {
		return nil, false
	}
	s.lastPublished = now

	return []string{
		now.UTC().Format(time.RFC3339),
		strconv.FormatInt(s.co2, 10),
		strconv.FormatInt(s.formaldehyd, 10),
		strconv.FormatFloat(s.humidity, 'f', -1, 64),
		strconv.FormatFloat(s.temperature, 'f', -1, 64),
		strconv.FormatInt(s.voc, 10),
	}, true
}

// soundMeterSpec aggregates the sound-meter driver's continuous
// decibel stream to a per-10-second peak before emitting a row, written
// as decibels times ten. Grounded on tasks/telemetry_manager/sound_meter.rs.
type soundMeterSpec struct {
	endpoint types.Endpoint
	key      string
	remote   string

	mu           sync.Mutex
	peak         float64
	lastEmitted  time.Time
}

const soundMeterPublishRate = 10 * time.Second

// NewSoundMeterSpec constructs the sound-meter telemetry table for the
// given device endpoint and publish key.
func NewSoundMeterSpec(endpoint types.Endpoint, key, remote string) TableSpec {
	return &soundMeterSpec{endpoint: endpoint, key: key, remote: remote}
}

func (s *soundMeterSpec) Endpoint() types.Endpoint     { return s.endpoint }
func (s *soundMeterSpec) Header() []string             { return []string{"timestamp", "decibel_level_10"} }
func (s *soundMeterSpec) RemoteType() (string, bool)   { return s.remote, s.remote != "" }

func (s *soundMeterSpec) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peak = 0
	s.lastEmitted = time.Time{}
}

func (s *soundMeterSpec) Row(values map[string]json.RawMessage, now time.Time) ([]string, bool) {
	raw, ok := values[s.key]
	if !ok {
		return nil, false
	}
	level, ok := asFloat(raw)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if level > s.peak {
		s.peak = level
	}

	if s.lastEmitted.IsZero() {
		s.lastEmitted = now
	}
	if now.Sub(s.lastEmitted) < soundMeterPublishRate {
		return nil, false
	}
	if s.peak == 0 {
		s.lastEmitted = now
		return nil, false
	}

	row := []string{now.UTC().Format(time.RFC3339), strconv.FormatInt(int64(s.peak*10), 10)}
	s.peak = 0
	s.lastEmitted = now
	return row, true
}
