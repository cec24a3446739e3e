// Package config handles Space-Coordinator configuration loading: a
// single TOML file is decoded, defaulted, validated, and fanned out
// into every component's own Config type.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nugget/spacecoord/internal/alert"
	"github.com/nugget/spacecoord/internal/audio"
	"github.com/nugget/spacecoord/internal/boolexpr"
	"github.com/nugget/spacecoord/internal/metrics"
	"github.com/nugget/spacecoord/internal/mqttsvc"
	"github.com/nugget/spacecoord/internal/osd"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/soundmeter"
	"github.com/nugget/spacecoord/internal/telemetry"
	"github.com/nugget/spacecoord/internal/types"
	"github.com/nugget/spacecoord/internal/z2m"
)

// searchPathsFunc is indirected so tests can point it at a temp
// directory instead of the real search order.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config-path) is checked first by FindConfig; this is the
// fallback order when none is given: ./spacecoord.toml,
// ~/.config/spacecoord/spacecoord.toml, /config/spacecoord.toml (the
// container convention), /etc/spacecoord/spacecoord.toml.
func DefaultSearchPaths() []string {
	paths := []string{"spacecoord.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "spacecoord", "spacecoord.toml"))
	}

	paths = append(paths, "/config/spacecoord.toml")
	paths = append(paths, "/etc/spacecoord/spacecoord.toml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searchPathsFunc is consulted in order and the first
// existing path wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds every Space-Coordinator component's configuration,
// decoded from one TOML file.
type Config struct {
	SpaceID  types.SpaceId  `toml:"space_id"`
	LogLevel string         `toml:"log_level"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	RPC      RPCConfig      `toml:"rpc"`
	Presence PresenceConfig `toml:"presence"`
	Z2m      Z2mConfig      `toml:"z2m"`
	Alerts   []AlertConfig  `toml:"alert"`
	Telemetry telemetry.Config `toml:"telemetry"`
	OSD      OSDConfig      `toml:"osd"`
	Audio    audio.Config   `toml:"audio"`
	Carpark  CarparkConfig  `toml:"carpark"`
	Notify   NotifyConfig   `toml:"notify"`
	SoundMeters []soundmeter.Config `toml:"sound_meter"`
	Metrics  []metrics.Config    `toml:"metric"`
}

// MQTTConfig configures the shared MQTT broker connection.
type MQTTConfig struct {
	Broker   string `toml:"broker"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	ClientID string `toml:"client_id"`
}

func (c MQTTConfig) toMQTTSvc() mqttsvc.Config {
	return mqttsvc.Config{
		Broker:   c.Broker,
		Username: c.Username,
		Password: c.Password,
		ClientID: c.ClientID,
	}
}

// RPCConfig configures the signed RPC client used to reach the Server.
// PrivateKeyHex is the hex-encoded 64-byte Ed25519 private key (seed
// plus public key, as produced by ed25519.GenerateKey).
type RPCConfig struct {
	URLBase       string        `toml:"url_base"`
	PrivateKeyHex string        `toml:"private_key"`
	ExpiresIn     time.Duration `toml:"expires_in"`
}

func (c RPCConfig) toRPCClient(spaceID types.SpaceId) (rpcclient.Config, error) {
	keyBytes, err := hex.DecodeString(c.PrivateKeyHex)
	if err != nil {
		return rpcclient.Config{}, fmt.Errorf("rpc.private_key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return rpcclient.Config{}, fmt.Errorf("rpc.private_key: want %d bytes, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return rpcclient.Config{
		SpaceID:    spaceID,
		URLBase:    c.URLBase,
		ExpiresIn:  c.ExpiresIn,
		PrivateKey: ed25519.PrivateKey(keyBytes),
	}, nil
}

// PresenceConfig configures the space-presence ICMP scan.
type PresenceConfig struct {
	Hosts         []string      `toml:"hosts"`
	ScanInterval  time.Duration `toml:"scan_interval"`
	AwayInterval  time.Duration `toml:"away_interval"`
	PingDeadline  time.Duration `toml:"ping_deadline"`
}

func (c PresenceConfig) addrs() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		addr, err := netip.ParseAddr(h)
		if err != nil {
			return nil, fmt.Errorf("presence.hosts: %q: %w", h, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// SwitchClassSpec is the TOML-decodable form of z2m.SwitchClass: IsOn
// is given as a boolexpr.Spec rather than the runtime Expression, and
// StatesOn/StatesOff are given as plain TOML tables rather than
// json.RawMessage-valued maps.
type SwitchClassSpec struct {
	PresencePolicy z2m.SwitchPolicy          `toml:"presence_policy"`
	BookingPolicy  z2m.SwitchPolicy          `toml:"booking_policy"`
	IsOn           boolexpr.Spec[string]     `toml:"is_on"`
	StatesOn       []map[string]any          `toml:"states_on"`
	StatesOff      []map[string]any          `toml:"states_off"`
}

// DeviceSpec is the TOML-decodable form of z2m.Device.
type DeviceSpec struct {
	ID         types.Z2mDeviceId `toml:"id"`
	StateKeys  []string          `toml:"state_keys"`
	Switch     *SwitchClassSpec  `toml:"switch"`
	PowerMeter *z2m.PowerMeterClass `toml:"power_meter"`
}

// Z2mConfig configures the Zigbee device controller.
type Z2mConfig struct {
	CommandTimeout time.Duration                       `toml:"command_timeout"`
	Devices        []DeviceSpec                        `toml:"device"`
	PerUnitHooks   map[types.UnitId]z2m.PerUnitHooks    `toml:"per_unit_hooks"`
	PresenceHooks  z2m.PresenceHooks                    `toml:"presence_hooks"`
}

// rawStatesTable converts TOML-decoded generic tables (map[string]any,
// whatever scalar/array/table shape the config file used) into the
// json.RawMessage-valued maps z2m.SwitchClass expects, so a device's
// "is on" state pattern can be matched against decoded MQTT payloads
// key-by-key regardless of value type.
func rawStatesTable(rows []map[string]any) ([]map[string]json.RawMessage, error) {
	out := make([]map[string]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		converted := make(map[string]json.RawMessage, len(row))
		for k, v := range row {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %q: %w", k, err)
			}
			converted[k] = raw
		}
		out = append(out, converted)
	}
	return out, nil
}

func (c Z2mConfig) toZ2m() (z2m.Config, error) {
	devices := make([]z2m.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		dev := z2m.Device{ID: d.ID, StateKeys: d.StateKeys, PowerMeter: d.PowerMeter}
		if d.Switch != nil {
			statesOn, err := rawStatesTable(d.Switch.StatesOn)
			if err != nil {
				return z2m.Config{}, fmt.Errorf("z2m device %s states_on: %w", d.ID, err)
			}
			statesOff, err := rawStatesTable(d.Switch.StatesOff)
			if err != nil {
				return z2m.Config{}, fmt.Errorf("z2m device %s states_off: %w", d.ID, err)
			}
			dev.Switch = &z2m.SwitchClass{
				PresencePolicy: d.Switch.PresencePolicy,
				BookingPolicy:  d.Switch.BookingPolicy,
				IsOn:           d.Switch.IsOn.Build(),
				StatesOn:       statesOn,
				StatesOff:      statesOff,
			}
		}
		devices = append(devices, dev)
	}
	return z2m.Config{
		CommandTimeout: c.CommandTimeout,
		Devices:        devices,
		PerUnitHooks:   c.PerUnitHooks,
		PresenceHooks:  c.PresenceHooks,
	}, nil
}

// AlertConfig is the TOML-decodable form of alert.Config: Predicate is
// given as a boolexpr.Spec over alert.TableKey.
type AlertConfig struct {
	ID        types.AlertId               `toml:"id"`
	Predicate boolexpr.Spec[alert.TableKey] `toml:"predicate"`
	Presence  *bool                       `toml:"presence"`
	Bookings  []types.UnitId              `toml:"bookings"`
	Snooze    time.Duration               `toml:"snooze"`
	Grace     time.Duration               `toml:"grace"`
}

func (c AlertConfig) toAlert() alert.Config {
	return alert.Config{
		ID:        c.ID,
		Predicate: c.Predicate.Build(),
		Presence:  c.Presence,
		Bookings:  c.Bookings,
		Snooze:    c.Snooze,
		Grace:     c.Grace,
	}
}

// OSDConfig is the TOML-decodable form of osd.Config.
type OSDConfig struct {
	TopicPrefix     string                          `toml:"topic_prefix"`
	Alerts          []osd.AlertConfig               `toml:"alert"`
	Mixers          map[types.UnitId]osd.MixerConfig `toml:"mixer"`
	DoorbellAlertID types.AlertId                    `toml:"doorbell_alert_id"`
	Units           []types.UnitId                   `toml:"units"`
}

func (c OSDConfig) toOSD() osd.Config {
	return osd.Config{
		TopicPrefix:     c.TopicPrefix,
		Alerts:          c.Alerts,
		Mixers:          c.Mixers,
		DoorbellAlertID: c.DoorbellAlertID,
		Units:           c.Units,
	}
}

// CarparkConfig configures how often the Car-park Exempter reconciles
// ad-hoc parking registrations against active bookings, and the
// exemption service it calls. The exempter is disabled unless Endpoint
// is set.
type CarparkConfig struct {
	UpdateInterval time.Duration `toml:"update_interval"`
	Endpoint       string        `toml:"endpoint"`
	APIKey         string        `toml:"api_key"`
}

// NotifyConfig configures the operator push-notification endpoint.
type NotifyConfig struct {
	Endpoint string `toml:"endpoint"`
}

// Load reads cfg from a TOML file at path, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.RPC.ExpiresIn == 0 {
		c.RPC.ExpiresIn = 30 * time.Second
	}
	if c.Presence.ScanInterval == 0 {
		c.Presence.ScanInterval = 30 * time.Second
	}
	if c.Presence.AwayInterval == 0 {
		c.Presence.AwayInterval = 10 * time.Minute
	}
	if c.Presence.PingDeadline == 0 {
		c.Presence.PingDeadline = time.Second
	}
	if c.Z2m.CommandTimeout == 0 {
		c.Z2m.CommandTimeout = 5 * time.Second
	}
	if c.Carpark.UpdateInterval == 0 {
		c.Carpark.UpdateInterval = 10 * time.Minute
	}
	for unit, mixer := range c.OSD.Mixers {
		if mixer.ResetAfter == 0 {
			mixer.ResetAfter = 30 * time.Minute
			c.OSD.Mixers[unit] = mixer
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.SpaceID == "" {
		return fmt.Errorf("space_id must be set")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must be set")
	}
	if c.RPC.URLBase == "" {
		return fmt.Errorf("rpc.url_base must be set")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if _, err := c.Presence.addrs(); err != nil {
		return err
	}
	if _, err := c.RPC.toRPCClient(c.SpaceID); err != nil {
		return err
	}
	if _, err := c.Z2m.toZ2m(); err != nil {
		return err
	}
	return nil
}

// RPCClientConfig returns the decoded rpcclient.Config, assuming Load
// already validated the private key.
func (c *Config) RPCClientConfig() rpcclient.Config {
	cfg, _ := c.RPC.toRPCClient(c.SpaceID)
	return cfg
}

// MQTTServiceConfig returns the decoded mqttsvc.Config.
func (c *Config) MQTTServiceConfig() mqttsvc.Config {
	return c.MQTT.toMQTTSvc()
}

// PresenceHosts returns the configured presence-scan hosts as parsed
// addresses, assuming Load already validated them.
func (c *Config) PresenceHosts() []netip.Addr {
	addrs, _ := c.Presence.addrs()
	return addrs
}

// Z2mConfig returns the decoded z2m.Config, assuming Load already
// validated it.
func (c *Config) Z2mConfig() z2m.Config {
	cfg, _ := c.Z2m.toZ2m()
	return cfg
}

// AlertConfigs returns every configured alert.Config.
func (c *Config) AlertConfigs() []alert.Config {
	out := make([]alert.Config, len(c.Alerts))
	for i, a := range c.Alerts {
		out[i] = a.toAlert()
	}
	return out
}

// OSDConfig returns the decoded osd.Config.
func (c *Config) OSDConfig() osd.Config {
	return c.OSD.toOSD()
}
