package carpark

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/notify"
	"github.com/nugget/spacecoord/internal/osd"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/scheduler"
	"github.com/nugget/spacecoord/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParseBookingID(s string) types.BookingId {
	id, err := types.ParseBookingId(s)
	if err != nil {
		panic(err)
	}
	return id
}

type fakeExemptionService struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	succeed   map[string]bool
	entryDate map[string]time.Time
}

func (f *fakeExemptionService) Exempt(ctx context.Context, plate string) (bool, time.Time, bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, plate)
	f.mu.Unlock()

	if err, ok := f.fail[plate]; ok {
		return false, time.Time{}, false, err
	}
	entry, hasEntry := f.entryDate[plate]
	return f.succeed[plate], entry, hasEntry, nil
}

// newTestClient starts a test server that serves /adhoc-parkings from
// the given plates and returns an rpcclient.Client pointed at it.
func newTestClient(t *testing.T, plates []string) *rpcclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := adhocParkingsResponse{}
		for _, p := range plates {
			resp.Parkings = append(resp.Parkings, struct {
				LicensePlateNumber string `json:"license_plate_number"`
			}{LicensePlateNumber: p})
		}
		_ = json.NewEncoder(w).Encode(resp)
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
	return client
}

func newTestBookingManager(t *testing.T) *booking.Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bookings":{}}`))
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

	sched := scheduler.New(testLogger())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	return booking.New(client, sched, testLogger())
}

func newTestNotifier(t *testing.T) (*notify.Publisher, <-chan string) {
	t.Helper()
	msgs := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		msgs <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return notify.New(srv.URL, srv.Client()), msgs
}

func TestUpdateExemptsAdhocPlateAndNotifiesSuccess(t *testing.T) {
	client := newTestClient(t, []string{"ABC-123"})
	bookings := newTestBookingManager(t)
	notifier, msgs := newTestNotifier(t)

	svc := &fakeExemptionService{
		succeed:   map[string]bool{"ABC-123": true},
		entryDate: map[string]time.Time{},
	}

	e := New(client, bookings, svc, osd.New(osd.Config{}, nil, nil, nil, testLogger()), notifier)

	if err := e.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	svc.mu.Lock()
	calls := svc.calls
	svc.mu.Unlock()
	if len(calls) != 1 || calls[0] != "ABC-123" {
		t.Fatalf("got exemption calls %v, want [ABC-123]", calls)
	}

	select {
	case msg := <-msgs:
		if msg == "" {
			t.Fatal("expected a non-empty success notification")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a success notification to be sent")
	}
}

func TestUpdateNotifiesOnExemptionError(t *testing.T) {
	client := newTestClient(t, []string{"ERR-999"})
	bookings := newTestBookingManager(t)
	notifier, msgs := newTestNotifier(t)

	svc := &fakeExemptionService{
		fail: map[string]error{"ERR-999": fmt.Errorf("upstream unavailable")},
	}

	e := New(client, bookings, svc, osd.New(osd.Config{}, nil, nil, nil, testLogger()), notifier)

	if err := e.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg == "" {
			t.Fatal("expected a non-empty error notification")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error notification to be sent")
	}
}

func TestOnEventStartThenEndTracksBufferedActiveBookings(t *testing.T) {
	client := newTestClient(t, nil)
	bookings := newTestBookingManager(t)
	notifier, _ := newTestNotifier(t)
	e := New(client, bookings, &fakeExemptionService{}, osd.New(osd.Config{}, nil, nil, nil, testLogger()), notifier)

	b := booking.Booking{ID: mustParseBookingID("8f14e45f-ceea-467e-adc1-0b65975fc7f1"), UnitId: types.UnitId("room-1")}

	if err := e.OnEventStart(context.Background(), b, false); err != nil {
		t.Fatalf("OnEventStart (unbuffered): %v", err)
	}
	if len(e.snapshot()) != 0 {
		t.Fatal("expected an unbuffered start not to be tracked")
	}

	if err := e.OnEventStart(context.Background(), b, true); err != nil {
		t.Fatalf("OnEventStart (buffered): %v", err)
	}
	if len(e.snapshot()) != 1 {
		t.Fatal("expected a buffered start to be tracked")
	}

	if err := e.OnEventEnd(context.Background(), b, true); err != nil {
		t.Fatalf("OnEventEnd (buffered): %v", err)
	}
	if len(e.snapshot()) != 0 {
		t.Fatal("expected a buffered end to stop tracking the booking")
	}
}

func TestOnEventDeletedRemovesTrackedBooking(t *testing.T) {
	client := newTestClient(t, nil)
	bookings := newTestBookingManager(t)
	notifier, _ := newTestNotifier(t)
	e := New(client, bookings, &fakeExemptionService{}, osd.New(osd.Config{}, nil, nil, nil, testLogger()), notifier)

	b := booking.Booking{ID: mustParseBookingID("8f14e45f-ceea-467e-adc1-0b65975fc7f1"), UnitId: types.UnitId("room-1")}
	_ = e.OnEventStart(context.Background(), b, true)

	if err := e.OnEventDeleted(context.Background(), b, true); err != nil {
		t.Fatalf("OnEventDeleted: %v", err)
	}
	if len(e.snapshot()) != 0 {
		t.Fatal("expected OnEventDeleted to drop the tracked booking")
	}
}
