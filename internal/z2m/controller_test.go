package z2m

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/spacecoord/internal/boolexpr"
	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestEchoMatchesRequiresAllWantedKeys(t *testing.T) {
	want := map[string]json.RawMessage{"state": raw("ON")}
	got := map[string]json.RawMessage{"state": raw("ON"), "brightness": raw(128)}
	if !echoMatches(want, got) {
		t.Fatal("expected superset echo to match")
	}
}

func TestEchoMatchesRejectsMismatch(t *testing.T) {
	want := map[string]json.RawMessage{"state": raw("ON")}
	got := map[string]json.RawMessage{"state": raw("OFF")}
	if echoMatches(want, got) {
		t.Fatal("expected mismatched value not to match")
	}
}

func TestAggregateOnDominant(t *testing.T) {
	got, ok := aggregate(SwitchOff, SwitchOn, true, true)
	if !ok || got != SwitchOn {
		t.Fatalf("got (%v,%v), want (on,true)", got, ok)
	}
}

func TestAggregateFallsBackToWhicheverIsSet(t *testing.T) {
	got, ok := aggregate("", SwitchOff, false, true)
	if !ok || got != SwitchOff {
		t.Fatalf("got (%v,%v), want (off,true)", got, ok)
	}
}

func TestAggregateNeitherSet(t *testing.T) {
	_, ok := aggregate("", "", false, false)
	if ok {
		t.Fatal("expected not-set when neither side contributes")
	}
}

func TestIsOnEvaluatesExpressionAgainstTable(t *testing.T) {
	table := obstable.New()
	dev := types.Z2mDeviceId("light-1")
	table.Replace(deviceEndpoint(dev), obstable.Values{"state": raw("ON")})

	cfg := Config{
		Devices: []Device{
			{
				ID: dev,
				Switch: &SwitchClass{
					IsOn: boolexpr.Unary(boolexpr.Condition[string]{Key: "state", Op: boolexpr.OpEq, Value: raw("ON")}),
				},
			},
		},
	}

	c := New(cfg, nil, nil, table, testLogger())
	on, err := c.IsOn(dev)
	if err != nil {
		t.Fatalf("IsOn: %v", err)
	}
	if !on {
		t.Fatal("expected device to be reported on")
	}
}

func TestPolicyDesiredStateOff(t *testing.T) {
	dev := types.Z2mDeviceId("plug-1")
	cfg := Config{Devices: []Device{{ID: dev, Switch: &SwitchClass{PresencePolicy: SwitchPolicyOff}}}}
	c := New(cfg, nil, nil, obstable.New(), testLogger())

	state, ok := c.policyDesiredState(dev, cfg.Devices[0])
	if !ok || state != SwitchOff {
		t.Fatalf("got (%v,%v), want (off,true)", state, ok)
	}
}

func TestPolicyDesiredStateUncontrolledDefersToHooks(t *testing.T) {
	dev := types.Z2mDeviceId("plug-2")
	cfg := Config{Devices: []Device{{ID: dev, Switch: &SwitchClass{PresencePolicy: SwitchPolicyUncontrolled}}}}
	c := New(cfg, nil, nil, obstable.New(), testLogger())

	_, ok := c.policyDesiredState(dev, cfg.Devices[0])
	if ok {
		t.Fatal("expected uncontrolled policy to defer to hooks")
	}
}

func TestDesiredStateForCombinesUnitAndPresenceHooks(t *testing.T) {
	dev := types.Z2mDeviceId("lamp")
	unit := types.UnitId("room-1")
	cfg := Config{
		PerUnitHooks: map[types.UnitId]PerUnitHooks{
			unit: {
				OnBookingStart: Hook{Switches: map[types.Z2mDeviceId]SwitchState{dev: SwitchOn}},
				OnBookingEnd:   Hook{Switches: map[types.Z2mDeviceId]SwitchState{dev: SwitchOff}},
			},
		},
		PresenceHooks: PresenceHooks{
			OnLeave: Hook{Switches: map[types.Z2mDeviceId]SwitchState{dev: SwitchOff}},
		},
	}
	c := New(cfg, nil, nil, obstable.New(), testLogger())
	c.markActive(unit, types.BookingId{}, true)

	state, ok := c.desiredStateFor(dev)
	if !ok || state != SwitchOn {
		t.Fatalf("got (%v,%v), want (on,true) since booking start should dominate presence-leave", state, ok)
	}
}

func TestMarkActiveTracksBookingSet(t *testing.T) {
	c := New(Config{}, nil, nil, obstable.New(), testLogger())
	unit := types.UnitId("room-9")
	id := types.BookingId{}

	if c.anyActiveBookings(unit) {
		t.Fatal("expected no active bookings initially")
	}
	c.markActive(unit, id, true)
	if !c.anyActiveBookings(unit) {
		t.Fatal("expected active booking after markActive(true)")
	}
	c.markActive(unit, id, false)
	if c.anyActiveBookings(unit) {
		t.Fatal("expected no active bookings after markActive(false)")
	}
}
