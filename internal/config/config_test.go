package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testPrivateKeyHex(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	return hex.EncodeToString(priv)
}

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte("space_id = \"test\"\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/spacecoord.toml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "spacecoord.toml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_SearchPathFindsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spacecoord.toml")
	os.WriteFile(path, []byte("space_id = \"test\"\n"), 0600)

	orig := searchPathsFunc
	searchPathsFunc = func() []string { return []string{path} }
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, path)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spacecoord.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func baseConfig(t *testing.T) string {
	return `
space_id = "room-block-a"

[mqtt]
broker = "mqtt://localhost:1883"

[rpc]
url_base = "https://server.example.com"
private_key = "` + testPrivateKeyHex(t) + `"
`
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, baseConfig(t))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RPC.ExpiresIn == 0 {
		t.Error("expected rpc.expires_in to default to a non-zero duration")
	}
	if cfg.Presence.ScanInterval == 0 {
		t.Error("expected presence.scan_interval to default to a non-zero duration")
	}
	if cfg.Z2m.CommandTimeout == 0 {
		t.Error("expected z2m.command_timeout to default to a non-zero duration")
	}
	if cfg.Carpark.UpdateInterval == 0 {
		t.Error("expected carpark.update_interval to default to a non-zero duration")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	os.Setenv("SPACECOORD_TEST_BROKER", "mqtt://broker.example.com:1883")
	defer os.Unsetenv("SPACECOORD_TEST_BROKER")

	path := writeConfig(t, `
space_id = "room-block-a"

[mqtt]
broker = "${SPACECOORD_TEST_BROKER}"

[rpc]
url_base = "https://server.example.com"
private_key = "`+testPrivateKeyHex(t)+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Broker != "mqtt://broker.example.com:1883" {
		t.Errorf("mqtt.broker = %q, want expanded value", cfg.MQTT.Broker)
	}
}

func TestValidateRejectsMissingSpaceID(t *testing.T) {
	path := writeConfig(t, `
[mqtt]
broker = "mqtt://localhost:1883"

[rpc]
url_base = "https://server.example.com"
private_key = "`+testPrivateKeyHex(t)+`"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for a missing space_id")
	}
	if !strings.Contains(err.Error(), "space_id") {
		t.Errorf("error should mention space_id, got: %v", err)
	}
}

func TestValidateRejectsInvalidPrivateKey(t *testing.T) {
	path := writeConfig(t, `
space_id = "room-block-a"

[mqtt]
broker = "mqtt://localhost:1883"

[rpc]
url_base = "https://server.example.com"
private_key = "not-hex"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for an invalid private key")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	path := writeConfig(t, baseConfig(t)+"\nlog_level = \"noisy\"\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestLoadDecodesAlertPredicate(t *testing.T) {
	path := writeConfig(t, baseConfig(t)+`
[[alert]]
id = "co2-high"
snooze = "5m"
grace = "30s"

[alert.predicate]
op = "gt"
value = 1200

[alert.predicate.key]
key = "co2_ppm"

[alert.predicate.key.endpoint.device]
type = 0
id = "co2-1"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(cfg.Alerts))
	}

	alerts := cfg.AlertConfigs()
	if alerts[0].ID != "co2-high" {
		t.Errorf("alert id = %q, want co2-high", alerts[0].ID)
	}
	if alerts[0].Snooze.String() != "5m0s" {
		t.Errorf("alert snooze = %v, want 5m0s", alerts[0].Snooze)
	}
}

func TestLoadDecodesZ2mSwitchDevice(t *testing.T) {
	path := writeConfig(t, baseConfig(t)+`
[[z2m.device]]
id = "desk-lamp"
state_keys = ["state"]

[z2m.device.switch]
presence_policy = "stay_on"
booking_policy = "off"

[z2m.device.switch.is_on]
key = "state"
op = "eq"
value = "ON"

[[z2m.device.switch.states_on]]
state = "ON"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	z2mCfg := cfg.Z2mConfig()
	if len(z2mCfg.Devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(z2mCfg.Devices))
	}
	dev := z2mCfg.Devices[0]
	if dev.Switch == nil {
		t.Fatal("expected the device's switch class to be populated")
	}
	if len(dev.Switch.StatesOn) != 1 {
		t.Fatalf("got %d states_on rows, want 1", len(dev.Switch.StatesOn))
	}
}

func TestRPCClientConfigDecodesPrivateKey(t *testing.T) {
	keyHex := testPrivateKeyHex(t)
	path := writeConfig(t, `
space_id = "room-block-a"

[mqtt]
broker = "mqtt://localhost:1883"

[rpc]
url_base = "https://server.example.com"
private_key = "`+keyHex+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rc := cfg.RPCClientConfig()
	want, _ := hex.DecodeString(keyHex)
	if !ed25519.PrivateKey(want).Equal(rc.PrivateKey) {
		t.Error("decoded private key does not match the configured hex")
	}
}
