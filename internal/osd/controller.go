// Package osd drives the on-screen-display unit: it publishes the
// room's screen/session/alert/mixer/parking state over MQTT and
// services inbound door-unlock requests. Grounded on original_source's
// tasks/osd_controller.rs (the richer backend/ tree, which adds
// alerts, mixer reset, and parking on top of the server/ tree's
// simpler screen/session-only version).
package osd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/mqttsvc"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/scheduler"
	"github.com/nugget/spacecoord/internal/types"
)

// redrivePeriod is how often the controller re-publishes screen/session
// state for drift correction, grounded on osd_controller.rs's
// every_minutes(1) task.
const redrivePeriod = time.Minute

type unitState struct {
	activeBuffered map[types.BookingId]struct{}
	current        *bookingPayload
	screenActive   bool
}

// Controller is the OSD Controller.
type Controller struct {
	cfg    Config
	mqtt   *mqttsvc.Service
	client *rpcclient.Client
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu    sync.Mutex
	units map[types.UnitId]*unitState
}

// New constructs a Controller. Call Start once subscriptions are ready.
func New(cfg Config, mqtt *mqttsvc.Service, client *rpcclient.Client, sched *scheduler.Scheduler, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		mqtt:   mqtt,
		client: client,
		sched:  sched,
		logger: log,
		units:  make(map[types.UnitId]*unitState),
	}
}

func (c *Controller) state(unit types.UnitId) *unitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.units[unit]
	if !ok {
		st = &unitState{activeBuffered: make(map[types.BookingId]struct{})}
		c.units[unit] = st
	}
	return st
}

func (c *Controller) fullTopic(suffix string) string {
	return strings.TrimRight(c.cfg.TopicPrefix, "/") + "/" + suffix
}

// Publish marshals payload as JSON and publishes it under the
// controller's topic prefix, suffixed by topicSuffix. Exported so other
// components (the car-park exempter's per-unit parking state) can
// publish through the same controller without duplicating its MQTT
// wiring.
func (c *Controller) Publish(ctx context.Context, topicSuffix string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal osd payload for %s: %w", topicSuffix, err)
	}
	return c.mqtt.Publish(ctx, c.fullTopic(topicSuffix), data)
}

func (c *Controller) publishTopic(ctx context.Context, t topic) {
	if err := c.Publish(ctx, t.topicName(), t); err != nil {
		c.logger.Warn("osd: publish failed", "topic", t.topicName(), "error", err)
	}
}

// Start subscribes to inbound door-unlock requests and begins the
// once-a-minute screen/session redrive.
func (c *Controller) Start(ctx context.Context) error {
	doorlockTopic := c.fullTopic("doorlock/set")
	if err := c.mqtt.Subscribe(ctx, doorlockTopic); err != nil {
		return fmt.Errorf("subscribe doorlock/set: %w", err)
	}

	recv, cancel := c.mqtt.Receiver(c.cfg.TopicPrefix)
	go func() {
		defer cancel()
		for msg := range recv {
			if msg.Topic != doorlockTopic {
				continue
			}
			c.handleDoorlock(ctx)
		}
	}()

	c.sched.ScheduleEvery("osd_controller_redrive", redrivePeriod, c.redrive)
	return nil
}

func (c *Controller) handleDoorlock(ctx context.Context) {
	var result doorLockOpenResult
	if err := c.client.Post(ctx, "/doorlock", nil, nil, nil); err != nil {
		msg := err.Error()
		result = doorLockOpenResult{Success: false, Error: &msg}
	} else {
		result = doorLockOpenResult{Success: true}
	}
	c.publishTopic(ctx, result)
}

func (c *Controller) redrive(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make(map[types.UnitId]unitState, len(c.units))
	for unit, st := range c.units {
		snapshot[unit] = unitState{current: st.current, screenActive: st.screenActive}
	}
	c.mu.Unlock()

	for unit, st := range snapshot {
		c.publishTopic(ctx, setScreenState{UnitID: unit, IsActive: st.screenActive})
		c.publishTopic(ctx, currentSession{UnitID: unit, Booking: st.current})
	}
	return nil
}

// OnAlert implements alert.Callback: alerts configured against AlertID
// are fanned out to the OSD, plus a special-cased doorbell alert.
func (c *Controller) OnAlert(ctx context.Context, id types.AlertId, started bool) error {
	if c.cfg.DoorbellAlertID != "" && id == c.cfg.DoorbellAlertID {
		c.publishTopic(ctx, doorbellRequest{})
		return nil
	}

	for _, cfg := range c.cfg.Alerts {
		if cfg.Kind != KindAlert || cfg.AlertID != id {
			continue
		}
		var payload *AlertData
		if started {
			data := cfg.Data
			payload = &data
		}
		for _, unit := range c.unitsFor(cfg.UnitID) {
			c.publishTopic(ctx, alertTopic{UnitID: unit, Alert: payload})
		}
	}
	return nil
}

func (c *Controller) unitsFor(unit *types.UnitId) []types.UnitId {
	if unit != nil {
		return []types.UnitId{*unit}
	}
	return c.cfg.Units
}

func (c *Controller) findAlert(kind AlertKind, unit types.UnitId) (AlertConfig, bool) {
	for _, cfg := range c.cfg.Alerts {
		if cfg.Kind != kind {
			continue
		}
		if cfg.UnitID != nil && *cfg.UnitID != unit {
			continue
		}
		return cfg, true
	}
	return AlertConfig{}, false
}

func customerName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v struct {
		CustomerName string `json:"customer_name"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v.CustomerName
}

// OnEventCreated implements booking.Callback. The OSD has nothing to
// show until a booking actually starts.
func (c *Controller) OnEventCreated(ctx context.Context, b booking.Booking, inProgress bool) error {
	return nil
}

// OnEventDeleted implements booking.Callback.
func (c *Controller) OnEventDeleted(ctx context.Context, b booking.Booking, inProgress bool) error {
	return nil
}

// OnEventStart implements booking.Callback.
func (c *Controller) OnEventStart(ctx context.Context, b booking.Booking, buffered bool) error {
	st := c.state(b.UnitId)

	if buffered {
		c.mu.Lock()
		firstActive := len(st.activeBuffered) == 0
		st.activeBuffered[b.ID] = struct{}{}
		st.screenActive = true
		c.mu.Unlock()

		if firstActive {
			if cfg, ok := c.findAlert(KindOnSignOn, b.UnitId); ok {
				data := cfg.Data
				c.publishTopic(ctx, alertTopic{UnitID: b.UnitId, Alert: &data})
			}
		}

		c.publishTopic(ctx, setScreenState{UnitID: b.UnitId, IsActive: true})
		return nil
	}

	if mixer, ok := c.cfg.Mixers[b.UnitId]; ok {
		go c.resetMixerAfter(b.UnitId, mixer)
	}

	payload := bookingPayload{
		BookingID:    b.ID,
		CustomerName: customerName(b.Raw),
		TimeFrom:     b.Start,
		TimeTo:       b.End,
	}

	c.mu.Lock()
	st.current = &payload
	c.mu.Unlock()

	c.publishTopic(ctx, currentSession{UnitID: b.UnitId, Booking: &payload})

	if cfg, ok := c.findAlert(KindOnSignOff, b.UnitId); ok {
		at := b.End.Add(-cfg.Before)
		name := signOffTaskName(b.UnitId)
		data := cfg.Data
		c.logger.Info("osd: scheduling sign-off alert", "unit", b.UnitId, "at", at)
		c.sched.ScheduleAt(name, at, func(ctx context.Context) error {
			c.publishTopic(ctx, alertTopic{UnitID: b.UnitId, Alert: &data})
			return nil
		})
	}

	return nil
}

// OnEventEnd implements booking.Callback.
func (c *Controller) OnEventEnd(ctx context.Context, b booking.Booking, buffered bool) error {
	st := c.state(b.UnitId)

	if buffered {
		c.mu.Lock()
		delete(st.activeBuffered, b.ID)
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	remaining := len(st.activeBuffered)
	c.mu.Unlock()

	// The currently-ending booking is still counted in activeBuffered
	// (its own buffered end fires later, at EndWithBuffer); remaining
	// <= 1 means no other booking overlaps it.
	if remaining > 1 {
		return nil
	}

	c.sched.Cancel(signOffTaskName(b.UnitId))

	c.mu.Lock()
	st.current = nil
	st.screenActive = false
	c.mu.Unlock()

	c.publishTopic(ctx, alertTopic{UnitID: b.UnitId, Alert: nil})
	c.publishTopic(ctx, currentSession{UnitID: b.UnitId, Booking: nil})
	c.publishTopic(ctx, setScreenState{UnitID: b.UnitId, IsActive: false})
	c.publishTopic(ctx, parkingStates{UnitID: b.UnitId, States: nil})

	return nil
}

func (c *Controller) resetMixerAfter(unit types.UnitId, mixer MixerConfig) {
	time.Sleep(mixer.ResetAfter)
	globals := mixer.Globals
	c.publishTopic(context.Background(), setMixerStates{
		UnitID:    unit,
		Channels:  mixer.Channels,
		Globals:   &globals,
		Overwrite: true,
	})
}

func signOffTaskName(unit types.UnitId) string {
	return fmt.Sprintf("osd_sign_off_%s", unit)
}
