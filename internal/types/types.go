// Package types holds the identifier and endpoint types shared across
// every coordinator component, grounded on the Rust source's newtype
// discipline for ids and its Display/FromStr-round-tripping Endpoint
// union (original_source/types.rs).
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BookingId identifies a booking on the Server's ledger.
type BookingId uuid.UUID

func (b BookingId) String() string { return uuid.UUID(b).String() }

// ParseBookingId parses a canonical UUID string into a BookingId.
func ParseBookingId(s string) (BookingId, error) {
	id, err := uuid.Parse(s)
	return BookingId(id), err
}

// UnitId identifies a bookable room within a space.
type UnitId string

// SpaceId identifies the site the coordinator runs for.
type SpaceId string

// AlertId names a configured alert.
type AlertId string

// Z2mDeviceId names a configured Zigbee device (the zigbee2mqtt
// friendly name).
type Z2mDeviceId string

// SoundMeterId names a configured sound-meter device.
type SoundMeterId string

// MetricId names a derived metric produced by the Metrics Aggregator.
type MetricId string

// DeviceType tags which family a DeviceRef belongs to.
type DeviceType int

const (
	DeviceTypeZigbee DeviceType = iota
	DeviceTypeSoundMeter
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeZigbee:
		return "z2m"
	case DeviceTypeSoundMeter:
		return "sound_meter"
	default:
		return "unknown"
	}
}

func parseDeviceType(s string) (DeviceType, error) {
	switch s {
	case "z2m":
		return DeviceTypeZigbee, nil
	case "sound_meter":
		return DeviceTypeSoundMeter, nil
	default:
		return 0, fmt.Errorf("unknown device type %q", s)
	}
}

// DeviceRef identifies a single physical device within its family.
type DeviceRef struct {
	Type DeviceType `toml:"type"`
	ID   string      `toml:"id"`
}

func (r DeviceRef) String() string {
	return "device:" + r.Type.String() + ":" + r.ID
}

// Endpoint names a stream within the Observation Table: either a
// physical device or a derived metric.
type Endpoint struct {
	// exactly one of Device/Metric is meaningful; IsMetric discriminates.
	Device   DeviceRef `toml:"device"`
	Metric   MetricId  `toml:"metric"`
	IsMetric bool       `toml:"is_metric"`
}

// DeviceEndpoint builds an Endpoint naming a device stream.
func DeviceEndpoint(ref DeviceRef) Endpoint { return Endpoint{Device: ref} }

// MetricEndpoint builds an Endpoint naming a derived metric stream.
func MetricEndpoint(id MetricId) Endpoint { return Endpoint{Metric: id, IsMetric: true} }

// String round-trips through ParseEndpoint.
func (e Endpoint) String() string {
	if e.IsMetric {
		return "metric:" + string(e.Metric)
	}
	return e.Device.String()
}

// ParseEndpoint parses the colon-delimited encoding produced by String.
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.SplitN(s, ":", 3)
	switch parts[0] {
	case "metric":
		if len(parts) < 2 {
			return Endpoint{}, fmt.Errorf("invalid metric endpoint %q", s)
		}
		return MetricEndpoint(MetricId(strings.Join(parts[1:], ":"))), nil
	case "device":
		if len(parts) != 3 {
			return Endpoint{}, fmt.Errorf("invalid device endpoint %q", s)
		}
		dt, err := parseDeviceType(parts[1])
		if err != nil {
			return Endpoint{}, err
		}
		return DeviceEndpoint(DeviceRef{Type: dt, ID: parts[2]}), nil
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q", s)
	}
}
