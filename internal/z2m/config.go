package z2m

import (
	"encoding/json"
	"time"

	"github.com/nugget/spacecoord/internal/boolexpr"
	"github.com/nugget/spacecoord/internal/types"
)

// SwitchPolicy is the automatic behavior applied to a switch device
// outside of explicit hook assignments.
type SwitchPolicy string

const (
	SwitchPolicyUncontrolled SwitchPolicy = "uncontrolled"
	SwitchPolicyStayOn       SwitchPolicy = "stay_on"
	SwitchPolicyOff          SwitchPolicy = "off"
)

// SwitchState is a device's commanded or observed on/off state.
type SwitchState string

const (
	SwitchOn  SwitchState = "on"
	SwitchOff SwitchState = "off"
)

// SwitchClass configures a device's switch semantics.
type SwitchClass struct {
	PresencePolicy SwitchPolicy                 `toml:"presence_policy"`
	BookingPolicy  SwitchPolicy                 `toml:"booking_policy"`
	IsOn           boolexpr.Expression[string]  `toml:"-"`
	StatesOn       []map[string]json.RawMessage `toml:"-"`
	StatesOff      []map[string]json.RawMessage `toml:"-"`
}

// PowerMeterClass configures which keys a device publishes power
// readings under.
type PowerMeterClass struct {
	StateKeys []string `toml:"state_keys"`
}

// Device is one configured Zigbee device.
type Device struct {
	ID         types.Z2mDeviceId
	StateKeys  []string
	Switch     *SwitchClass
	PowerMeter *PowerMeterClass
}

// AllStateKeys returns every publish key this device's "get" request
// should ask for (its own, plus any class-specific keys).
func (d Device) AllStateKeys() []string {
	keys := append([]string(nil), d.StateKeys...)
	if d.Switch != nil {
		for k := range d.Switch.IsOn.Keys() {
			keys = append(keys, k)
		}
	}
	if d.PowerMeter != nil {
		keys = append(keys, d.PowerMeter.StateKeys...)
	}
	return keys
}

// Hook assigns a literal desired state to a set of devices.
type Hook struct {
	Switches map[types.Z2mDeviceId]SwitchState `toml:"switches"`
}

// PerUnitHooks are the switch assignments applied when a unit's
// booking status flips.
type PerUnitHooks struct {
	OnBookingStart Hook `toml:"on_booking_start"`
	OnBookingEnd   Hook `toml:"on_booking_end"`
}

// PresenceHooks are the switch assignments applied when the space's
// presence state flips.
type PresenceHooks struct {
	OnEnter Hook `toml:"on_enter"`
	OnLeave Hook `toml:"on_leave"`
}

// Config configures the Controller.
type Config struct {
	CommandTimeout time.Duration
	Devices        []Device
	PerUnitHooks   map[types.UnitId]PerUnitHooks
	PresenceHooks  PresenceHooks
}
