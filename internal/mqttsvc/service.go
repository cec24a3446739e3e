// Package mqttsvc hosts the single managed MQTT broker session used by
// both the Zigbee device driver and the OSD controller. It wraps one
// autopaho.ConnectionManager and fans inbound publishes out to any
// number of topic-prefix receivers, so independent consumers (Z2m,
// OSD) can each get a filtered view of the same connection without
// stepping on each other's subscriptions.
package mqttsvc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/spacecoord/internal/events"
)

// Config configures the broker connection.
type Config struct {
	Broker   string // e.g. "mqtt://localhost:1883" or "mqtts://broker:8883"
	Username string
	Password string
	ClientID string // defaults to "spacecoord-<random>" if empty
}

// Message is a single inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Service owns one managed broker session. The zero value is not usable;
// construct with New.
type Service struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu        sync.Mutex
	receivers []*receiver
}

type receiver struct {
	prefix string
	bus    *events.Broadcaster[Message]
}

// New dials the broker and returns once the connection has either
// succeeded or the initial attempt has timed out (autopaho continues
// retrying in the background per spec.md §4.2's reconnect guidance).
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "spacecoord-" + uuid.NewString()[:8]
	}

	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker url: %w", err)
	}

	s := &Service{cfg: cfg, logger: log}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			log.Info("mqtt connected to broker", "broker", cfg.Broker)
		},
		OnConnectError: func(err error) {
			log.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				s.dispatch,
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		log.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return s, nil
}

func (s *Service) dispatch(pr autopaho.PublishReceived) (bool, error) {
	msg := Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}

	s.mu.Lock()
	recvs := make([]*receiver, len(s.receivers))
	copy(recvs, s.receivers)
	s.mu.Unlock()

	for _, r := range recvs {
		if topicHasPrefix(msg.Topic, r.prefix) {
			r.bus.Publish(msg)
		}
	}
	return true, nil
}

// Publish sends a payload to topic with QoS 0 and no retain flag, for
// every topic; no topic gets at-least-once delivery through Publish.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	})
	return err
}

// PublishRetained is like Publish but sends with QoS 1 and the retain
// flag set, so a client that subscribes later receives the last
// payload immediately.
func (s *Service) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	_, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	return err
}

// Subscribe sends a SUBSCRIBE for topic. Safe to call multiple times for
// the same topic; the broker de-duplicates.
func (s *Service) Subscribe(ctx context.Context, topic string) error {
	_, err := s.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	return err
}

// Receiver registers a new filtered view over every inbound publish
// whose topic starts with prefix. The returned cancel func must be
// called once the caller is done to release the subscription's
// resources.
func (s *Service) Receiver(prefix string) (recv <-chan Message, cancel func()) {
	r := &receiver{prefix: prefix, bus: events.NewBroadcaster[Message]()}
	ch, _ := r.bus.Subscribe(32)

	s.mu.Lock()
	s.receivers = append(s.receivers, r)
	s.mu.Unlock()

	cancelFn := func() {
		r.bus.Unsubscribe(ch)
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cand := range s.receivers {
			if cand == r {
				s.receivers = append(s.receivers[:i], s.receivers[i+1:]...)
				break
			}
		}
	}
	return ch, cancelFn
}

// Disconnect closes the broker connection gracefully.
func (s *Service) Disconnect(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	return s.cm.Disconnect(ctx)
}

func topicHasPrefix(topic, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(topic) < len(prefix) {
		return false
	}
	return topic[:len(prefix)] == prefix
}
