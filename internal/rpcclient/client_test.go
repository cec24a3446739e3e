package rpcclient

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/spacecoord/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, ed25519.PublicKey, *httptest.Server) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		SpaceID:    types.SpaceId("space-1"),
		URLBase:    srv.URL,
		ExpiresIn:  30 * time.Second,
		PrivateKey: priv,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, pub, srv
}

func TestGetSignsRequestVerifiably(t *testing.T) {
	var capturedPath, capturedExpires, capturedSig string
	c, pub, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		capturedExpires = r.Header.Get("X-Signature-Expires-In")
		capturedSig = r.Header.Get("X-Signature")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Get(context.Background(), "/units", nil, &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !out.OK {
		t.Fatalf("got %+v", out)
	}
	if capturedPath != "/api/s2s/units" {
		t.Errorf("got path %q", capturedPath)
	}
	if capturedExpires == "" || capturedSig == "" {
		t.Fatal("missing signature headers")
	}
	sig, err := base64.StdEncoding.DecodeString(capturedSig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	// A GET with no query and no body signs expiry + method + full path.
	if !ed25519.Verify(pub, []byte(capturedExpires+http.MethodGet+capturedPath), sig) {
		t.Error("signature does not verify against expiry, method and path")
	}
}

func TestRemoteErrorIsUnwrapped(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"type":    "booking_not_found",
			"message": "no such booking",
		})
	})

	err := c.Get(context.Background(), "/bookings/123", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	remoteErr, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("got %T: %v", err, err)
	}
	if remoteErr.Type != "booking_not_found" {
		t.Errorf("got type %q", remoteErr.Type)
	}
}

func TestStatusErrorWithoutStructuredBody(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal server error"))
	})

	err := c.Get(context.Background(), "/units", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("got %d", statusErr.StatusCode)
	}
}

func TestPostSendsJSONBody(t *testing.T) {
	var gotBody map[string]any
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})

	err := c.Post(context.Background(), "/bookings", nil, map[string]any{"unit_id": "room-1"}, nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if gotBody["unit_id"] != "room-1" {
		t.Errorf("got body %v", gotBody)
	}
}

func TestSynchronizeClockSetsDelta(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_ = pub
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"timestamp": time.Now().UnixMilli()})
	}))
	defer srv.Close()

	c, err := New(Config{SpaceID: "space-1", URLBase: srv.URL, PrivateKey: priv})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SynchronizeClock(context.Background()); err != nil {
		t.Fatalf("SynchronizeClock: %v", err)
	}
	if c.clockDelta > time.Second || c.clockDelta < -time.Second {
		t.Errorf("unexpected clock delta %v", c.clockDelta)
	}
}
