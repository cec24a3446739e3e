package telemetry

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/types"
)

func newTestManager(t *testing.T, dir string, uploaded *bool) *Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*uploaded = true
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	_, priv, _ := ed25519.GenerateKey(nil)
	client, err := rpcclient.New(rpcclient.Config{
		SpaceID:    "space-1",
		URLBase:    srv.URL,
		PrivateKey: priv,
		ExpiresIn:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("rpcclient.New: %v", err)
	}

	return New(Config{}, client, dir, testLogger())
}

func TestOnEventStartThenEndWritesAndUploadsCSV(t *testing.T) {
	dir := t.TempDir()
	var uploaded bool
	m := newTestManager(t, dir, &uploaded)

	table := obstable.New()
	ep := types.DeviceEndpoint(types.DeviceRef{Type: types.DeviceTypeZigbee, ID: "plug-1"})
	spec := NewZ2mPowerMeterSpec(ep, "power_meter")
	m.RegisterTable("power", spec, table)

	b := booking.Booking{ID: mustParseBookingID(), UnitId: types.UnitId("room-1")}

	ctx := context.Background()
	if err := m.OnEventStart(ctx, b, false); err != nil {
		t.Fatalf("OnEventStart: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	table.Update(ep, obstable.Values{"power": raw(99.0)})
	time.Sleep(20 * time.Millisecond)

	if err := m.OnEventEnd(ctx, b, false); err != nil {
		t.Fatalf("OnEventEnd: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	path := dir + "/power-" + b.ID.String() + ".csv"
	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected csv file at %s: %v", path, err)
	}
	if !strings.Contains(string(contents), "99") {
		t.Fatalf("expected csv to contain the published power value, got: %s", contents)
	}
	if !uploaded {
		t.Fatal("expected the finished file to be uploaded since RemoteType is configured")
	}
}

func TestBufferedEventsAreIgnored(t *testing.T) {
	dir := t.TempDir()
	var uploaded bool
	m := newTestManager(t, dir, &uploaded)

	table := obstable.New()
	ep := types.DeviceEndpoint(types.DeviceRef{Type: types.DeviceTypeZigbee, ID: "plug-2"})
	m.RegisterTable("power2", NewZ2mPowerMeterSpec(ep, ""), table)

	b := booking.Booking{ID: mustParseBookingID(), UnitId: types.UnitId("room-1")}

	if err := m.OnEventStart(context.Background(), b, true); err != nil {
		t.Fatalf("OnEventStart: %v", err)
	}

	path := dir + "/power2-" + b.ID.String() + ".csv"
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no csv file for a buffered (not yet active) start")
	}
}

func mustParseBookingID() types.BookingId {
	id, err := types.ParseBookingId("8f14e45f-ceea-467e-adc1-0b65975fc7f1")
	if err != nil {
		panic(err)
	}
	return id
}
