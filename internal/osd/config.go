package osd

import (
	"time"

	"github.com/nugget/spacecoord/internal/types"
)

// AlertSeverity mirrors the OSD's on-screen alert styling classes.
type AlertSeverity string

const (
	SeverityUrgent    AlertSeverity = "URGENT"
	SeverityNormal    AlertSeverity = "NORMAL"
	SeverityIntrusive AlertSeverity = "INTRUSIVE"
)

// AlertData is the payload shown for an active alert.
type AlertData struct {
	Severity  AlertSeverity `json:"severity"`
	Title     string        `json:"title"`
	Contents  string        `json:"contents"`
	Closeable bool          `json:"closeable"`
}

// AlertKind selects when a configured alert entry fires.
type AlertKind int

const (
	// KindAlert ties the entry to an alert.Publisher alert id: it
	// mirrors that alert's started/stopped transitions directly.
	KindAlert AlertKind = iota
	// KindOnSignOn fires once when a unit's first booking begins.
	KindOnSignOn
	// KindOnSignOff schedules a one-shot alert Before the booking ends.
	KindOnSignOff
)

// AlertConfig binds an AlertData payload to the condition that should
// display it.
type AlertConfig struct {
	Kind AlertKind `toml:"kind"`
	// AlertID is set when Kind == KindAlert.
	AlertID types.AlertId `toml:"alert_id"`
	// Before is set when Kind == KindOnSignOff: how long before a
	// booking's end the sign-off alert should be shown.
	Before time.Duration `toml:"before"`
	// UnitID scopes this entry to a single unit; nil applies to every
	// unit present in Units.
	UnitID *types.UnitId `toml:"unit_id"`
	Data   AlertData     `toml:"data"`
}

// MixerChannelData configures one mixer channel's reset preset.
type MixerChannelData struct {
	Level       *float64 `json:"level,omitempty" toml:"level,omitempty"`
	Pan         *float64 `json:"pan,omitempty" toml:"pan,omitempty"`
	Reverb      *float64 `json:"reverb,omitempty" toml:"reverb,omitempty"`
	Mute        *bool    `json:"mute,omitempty" toml:"mute,omitempty"`
	EqHighLevel *float64 `json:"eqHighLevel,omitempty" toml:"eq_high_level,omitempty"`
	EqHighFreq  *float64 `json:"eqHighFreq,omitempty" toml:"eq_high_freq,omitempty"`
	EqMidLevel  *float64 `json:"eqMidLevel,omitempty" toml:"eq_mid_level,omitempty"`
	EqMidFreq   *float64 `json:"eqMidFreq,omitempty" toml:"eq_mid_freq,omitempty"`
	EqMidQ      *float64 `json:"eqMidQ,omitempty" toml:"eq_mid_q,omitempty"`
	EqLowLevel  *float64 `json:"eqLowLevel,omitempty" toml:"eq_low_level,omitempty"`
	EqLowFreq   *float64 `json:"eqLowFreq,omitempty" toml:"eq_low_freq,omitempty"`
}

// MixerGlobalData configures the mixer's master/monitor reset levels.
type MixerGlobalData struct {
	MasterLevel  *float64 `json:"masterLevel,omitempty" toml:"master_level,omitempty"`
	MonitorLevel *float64 `json:"monitorLevel,omitempty" toml:"monitor_level,omitempty"`
}

// MixerConfig is a unit's reset-to preset, published ResetAfter the
// start of a non-buffered booking.
type MixerConfig struct {
	Channels   []MixerChannelData `toml:"channel"`
	Globals    MixerGlobalData    `toml:"globals"`
	ResetAfter time.Duration      `toml:"reset_after"`
}

// Config configures the OSD Controller.
type Config struct {
	TopicPrefix     string                       `toml:"topic_prefix"`
	Alerts          []AlertConfig                `toml:"alert"`
	Mixers          map[types.UnitId]MixerConfig `toml:"mixer"`
	DoorbellAlertID types.AlertId                 `toml:"doorbell_alert_id"` // empty means unconfigured
	Units           []types.UnitId                `toml:"units"`
}
