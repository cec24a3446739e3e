package mqttsvc

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTopicHasPrefix(t *testing.T) {
	cases := []struct {
		topic, prefix string
		want          bool
	}{
		{"zigbee2mqtt/light1", "zigbee2mqtt/", true},
		{"zigbee2mqtt/light1/get", "zigbee2mqtt/light1", true},
		{"osd/screen/set", "zigbee2mqtt/", false},
		{"short", "longer-than-topic", false},
		{"anything", "", true},
	}
	for _, c := range cases {
		if got := topicHasPrefix(c.topic, c.prefix); got != c.want {
			t.Errorf("topicHasPrefix(%q, %q) = %v, want %v", c.topic, c.prefix, got, c.want)
		}
	}
}

func TestDispatchRoutesToMatchingReceiversOnly(t *testing.T) {
	s := &Service{logger: testLogger()}

	zigbeeCh, zigbeeCancel := s.Receiver("zigbee2mqtt/")
	defer zigbeeCancel()
	osdCh, osdCancel := s.Receiver("osd/")
	defer osdCancel()

	if _, err := s.dispatch(autopaho.PublishReceived{
		Packet: &paho.Publish{Topic: "zigbee2mqtt/light1", Payload: []byte(`{"state":"ON"}`)},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case msg := <-zigbeeCh:
		if msg.Topic != "zigbee2mqtt/light1" {
			t.Errorf("got topic %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("zigbee receiver did not get the message")
	}

	select {
	case msg := <-osdCh:
		t.Fatalf("osd receiver unexpectedly got message %+v", msg)
	default:
	}
}

func TestReceiverCancelStopsDelivery(t *testing.T) {
	s := &Service{logger: testLogger()}
	ch, cancel := s.Receiver("osd/")
	cancel()

	if _, err := s.dispatch(autopaho.PublishReceived{
		Packet: &paho.Publish{Topic: "osd/screen/set", Payload: []byte("{}")},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed, got a value instead")
		}
	default:
		t.Fatal("expected channel to be closed after cancel")
	}
}
