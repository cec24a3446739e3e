// Package z2m drives Zigbee devices over zigbee2mqtt: startup state
// sync, command sequencing with echo confirmation, switch policy
// reconciliation, and hook-driven automation tied to presence and
// booking state. Grounded on original_source's tasks/z2m_controller.rs
// and config/z2m.rs.
package z2m

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/mqttsvc"
	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/presence"
	"github.com/nugget/spacecoord/internal/types"
)

// ErrTimeout is returned when a device does not echo a commanded state
// within the configured command timeout.
var ErrTimeout = errors.New("z2m: command timed out waiting for device echo")

// Controller owns every configured Zigbee device's lifecycle: startup
// sync, command dispatch, and hook-driven switch automation.
type Controller struct {
	cfg      Config
	mqtt     *mqttsvc.Service
	presence *presence.Monitor
	table    *obstable.Table
	logger   *slog.Logger

	devices map[types.Z2mDeviceId]Device

	mu            sync.Mutex
	activeBookings map[types.UnitId]map[types.BookingId]struct{}
}

// New constructs a Controller. Call Start once MQTT and the
// Observation Table are ready.
func New(cfg Config, mqtt *mqttsvc.Service, pres *presence.Monitor, table *obstable.Table, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	devices := make(map[types.Z2mDeviceId]Device, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d.ID] = d
	}
	return &Controller{
		cfg:            cfg,
		mqtt:           mqtt,
		presence:       pres,
		table:          table,
		logger:         log,
		devices:        devices,
		activeBookings: make(map[types.UnitId]map[types.BookingId]struct{}),
	}
}

func deviceEndpoint(id types.Z2mDeviceId) types.Endpoint {
	return types.DeviceEndpoint(types.DeviceRef{Type: types.DeviceTypeZigbee, ID: string(id)})
}

func topicName(id types.Z2mDeviceId, suffix string) string {
	return "zigbee2mqtt/" + string(id) + suffix
}

// Start subscribes to every configured device's topic and requests its
// current state, populating the Observation Table before returning.
// A device that fails to respond within CommandTimeout is logged and
// skipped rather than failing startup outright.
func (c *Controller) Start(ctx context.Context) error {
	synced := 0
	for _, d := range c.devices {
		if err := c.mqtt.Subscribe(ctx, topicName(d.ID, "")); err != nil {
			c.logger.Warn("z2m: could not subscribe to device", "device", d.ID, "error", err)
			continue
		}
		if err := c.requestState(ctx, d); err != nil {
			c.logger.Warn("z2m: could not get initial state", "device", d.ID, "error", err)
			continue
		}
		synced++
	}
	if synced == len(c.devices) {
		c.logger.Info("z2m: synchronized all devices")
	} else {
		c.logger.Warn("z2m: some devices were not synchronized, proceeding", "missing", len(c.devices)-synced)
	}
	return nil
}

func (c *Controller) requestState(ctx context.Context, d Device) error {
	ask := make(map[string]struct{})
	for _, k := range d.AllStateKeys() {
		ask[k] = struct{}{}
	}
	payload := make(map[string]struct{}, len(ask))
	for k := range ask {
		payload[k] = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode get request: %w", err)
	}

	recv, cancel := c.mqtt.Receiver("zigbee2mqtt/" + string(d.ID))
	defer cancel()

	timeout := c.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if err := c.mqtt.Publish(ctx, topicName(d.ID, "/get"), body); err != nil {
		return fmt.Errorf("publish get: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-recv:
			if !ok {
				return ErrTimeout
			}
			if msg.Topic != topicName(d.ID, "") {
				continue
			}
			var values map[string]json.RawMessage
			if err := json.Unmarshal(msg.Payload, &values); err != nil {
				c.logger.Warn("z2m: invalid json from device", "device", d.ID, "error", err)
				continue
			}
			c.table.Replace(deviceEndpoint(d.ID), obstable.Values(values))
			return nil
		case <-deadline.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetState publishes each element of seq to the device's "set" topic
// in order, waiting for an echo whose keys are a superset with equal
// values before advancing to the next element.
func (c *Controller) SetState(ctx context.Context, dev types.Z2mDeviceId, seq []map[string]json.RawMessage) error {
	if len(seq) == 0 {
		return nil
	}

	timeout := c.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	recv, cancel := c.mqtt.Receiver("zigbee2mqtt/" + string(dev))
	defer cancel()

	for _, want := range seq {
		body, err := json.Marshal(want)
		if err != nil {
			return fmt.Errorf("encode set command: %w", err)
		}
		if err := c.mqtt.Publish(ctx, topicName(dev, "/set"), body); err != nil {
			return fmt.Errorf("publish set: %w", err)
		}

		if err := c.awaitEcho(ctx, recv, dev, want, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) awaitEcho(ctx context.Context, recv <-chan mqttsvc.Message, dev types.Z2mDeviceId, want map[string]json.RawMessage, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-recv:
			if !ok {
				return ErrTimeout
			}
			if msg.Topic != topicName(dev, "") {
				continue
			}
			var got map[string]json.RawMessage
			if err := json.Unmarshal(msg.Payload, &got); err != nil {
				continue
			}
			if echoMatches(want, got) {
				c.table.Update(deviceEndpoint(dev), obstable.Values(got))
				return nil
			}
		case <-deadline.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func echoMatches(want, got map[string]json.RawMessage) bool {
	for k, v := range want {
		gv, ok := got[k]
		if !ok || string(gv) != string(v) {
			return false
		}
	}
	return true
}

// IsOn evaluates a switch device's "on" expression against its current
// table row.
func (c *Controller) IsOn(dev types.Z2mDeviceId) (bool, error) {
	d, ok := c.devices[dev]
	if !ok || d.Switch == nil {
		return false, fmt.Errorf("z2m: %s is not a switch device", dev)
	}
	return d.Switch.IsOn.Test(c.table.ForEndpoint(deviceEndpoint(dev)))
}

func (c *Controller) anyActiveBookings(unit types.UnitId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeBookings[unit]) > 0
}

// aggregate combines a per-unit hook's desired state with the presence
// hook's desired state for the same device. On-dominant and symmetric:
// either side being On wins.
func aggregate(a, b SwitchState, aSet, bSet bool) (SwitchState, bool) {
	switch {
	case aSet && bSet:
		if a == SwitchOn || b == SwitchOn {
			return SwitchOn, true
		}
		return b, true
	case aSet:
		return a, true
	case bSet:
		return b, true
	default:
		return "", false
	}
}

func (c *Controller) desiredStateFor(dev types.Z2mDeviceId) (SwitchState, bool) {
	var unitState SwitchState
	var unitSet bool
	for unit, hooks := range c.cfg.PerUnitHooks {
		hook := hooks.OnBookingEnd
		if c.anyActiveBookings(unit) {
			hook = hooks.OnBookingStart
		}
		if state, ok := hook.Switches[dev]; ok {
			unitState, unitSet = state, true
		}
	}

	var presenceState SwitchState
	var presenceSet bool
	hook := c.cfg.PresenceHooks.OnLeave
	if c.presence != nil && c.presence.IsPresent() {
		hook = c.cfg.PresenceHooks.OnEnter
	}
	if state, ok := hook.Switches[dev]; ok {
		presenceState, presenceSet = state, true
	}

	return aggregate(unitState, presenceState, unitSet, presenceSet)
}

// Sync reconciles every configured switch device's desired state
// against its current state and issues a SetState when they diverge.
// Intended to run on a 1-minute recurring schedule.
func (c *Controller) Sync(ctx context.Context) {
	for id, d := range c.devices {
		if d.Switch == nil {
			continue
		}

		desired, ok := c.policyDesiredState(id, d)
		if !ok {
			desired, ok = c.desiredStateFor(id)
			if !ok {
				continue
			}
		}

		current, err := c.IsOn(id)
		if err != nil {
			c.logger.Warn("z2m: could not evaluate switch state", "device", id, "error", err)
			continue
		}
		currentState := SwitchOff
		if current {
			currentState = SwitchOn
		}
		if currentState == desired {
			continue
		}

		states := d.Switch.StatesOff
		if desired == SwitchOn {
			states = d.Switch.StatesOn
		}
		if err := c.SetState(ctx, id, states); err != nil {
			c.logger.Warn("z2m: could not set switch state", "device", id, "desired", desired, "error", err)
		}
	}
}

func (c *Controller) policyDesiredState(id types.Z2mDeviceId, d Device) (SwitchState, bool) {
	policy := d.Switch.PresencePolicy
	if c.anyUnitActiveForDevice(id) && d.Switch.BookingPolicy != "" {
		policy = d.Switch.BookingPolicy
	}
	switch policy {
	case SwitchPolicyUncontrolled, "":
		return "", false
	case SwitchPolicyOff:
		return SwitchOff, true
	case SwitchPolicyStayOn:
		present := c.presence != nil && c.presence.IsPresent()
		if present || c.anyUnitActiveForDevice(id) {
			return SwitchOn, true
		}
		return SwitchOff, true
	default:
		return "", false
	}
}

func (c *Controller) anyUnitActiveForDevice(dev types.Z2mDeviceId) bool {
	for unit, hooks := range c.cfg.PerUnitHooks {
		if _, ok := hooks.OnBookingStart.Switches[dev]; ok && c.anyActiveBookings(unit) {
			return true
		}
	}
	return false
}

// OnBookingStart fans the on_booking_start hook out to every switch
// configured for unit, merged with the currently-active presence hook.
// Callers must only invoke this on the 0->1 active-booking edge.
func (c *Controller) OnBookingStart(ctx context.Context, unit types.UnitId) error {
	hooks, ok := c.cfg.PerUnitHooks[unit]
	if !ok {
		return nil
	}
	return c.applyHook(ctx, c.withPresenceHook(hooks.OnBookingStart))
}

// OnBookingEnd fans the on_booking_end hook out to every switch
// configured for unit, merged with the currently-active presence hook.
// Callers must only invoke this once the unit's active-booking count
// reaches 0.
func (c *Controller) OnBookingEnd(ctx context.Context, unit types.UnitId) error {
	hooks, ok := c.cfg.PerUnitHooks[unit]
	if !ok {
		return nil
	}
	return c.applyHook(ctx, c.withPresenceHook(hooks.OnBookingEnd))
}

// withPresenceHook merges hook with the space's current presence hook
// when presence is true, so a booking edge never clobbers a switch the
// presence hook is also holding. Device-level conflicts resolve
// on-dominant via aggregate.
func (c *Controller) withPresenceHook(hook Hook) Hook {
	if c.presence == nil || !c.presence.IsPresent() {
		return hook
	}
	presenceSwitches := c.cfg.PresenceHooks.OnEnter.Switches
	merged := make(map[types.Z2mDeviceId]SwitchState, len(hook.Switches)+len(presenceSwitches))
	for dev, state := range hook.Switches {
		merged[dev] = state
	}
	for dev, state := range presenceSwitches {
		if existing, ok := merged[dev]; ok {
			merged[dev], _ = aggregate(existing, state, true, true)
			continue
		}
		merged[dev] = state
	}
	return Hook{Switches: merged}
}

func (c *Controller) applyHook(ctx context.Context, hook Hook) error {
	var firstErr error
	for dev, state := range hook.Switches {
		d, ok := c.devices[dev]
		if !ok || d.Switch == nil {
			c.logger.Warn("z2m: hook references unknown switch device", "device", dev)
			continue
		}
		states := d.Switch.StatesOff
		if state == SwitchOn {
			states = d.Switch.StatesOn
		}
		if err := c.SetState(ctx, dev, states); err != nil {
			c.logger.Warn("z2m: hook could not set device state", "device", dev, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Booking-state callback wiring — satisfies booking.Callback so the
// Booking State Manager can drive per-unit active-booking tracking
// and the on_booking_start/on_booking_end hooks directly.

// OnEventCreated implements booking.Callback.
func (c *Controller) OnEventCreated(ctx context.Context, b booking.Booking, inProgress bool) error {
	if !inProgress {
		return nil
	}
	if count := c.markActive(b.UnitId, b.ID, true); count > 1 {
		return nil
	}
	return c.OnBookingStart(ctx, b.UnitId)
}

// OnEventDeleted implements booking.Callback.
func (c *Controller) OnEventDeleted(ctx context.Context, b booking.Booking, inProgress bool) error {
	if !inProgress {
		return nil
	}
	if count := c.markActive(b.UnitId, b.ID, false); count != 0 {
		return nil
	}
	return c.OnBookingEnd(ctx, b.UnitId)
}

// OnEventStart implements booking.Callback. Only the 0->1 active-booking
// edge for unit fires the hook; an overlapping booking starting while
// another is already active does not re-command the switches.
func (c *Controller) OnEventStart(ctx context.Context, b booking.Booking, buffered bool) error {
	if !buffered {
		return nil
	}
	if count := c.markActive(b.UnitId, b.ID, true); count > 1 {
		return nil
	}
	return c.OnBookingStart(ctx, b.UnitId)
}

// OnEventEnd implements booking.Callback. The hook only fires once
// unit's active-booking count reaches 0.
func (c *Controller) OnEventEnd(ctx context.Context, b booking.Booking, buffered bool) error {
	if !buffered {
		return nil
	}
	if count := c.markActive(b.UnitId, b.ID, false); count != 0 {
		return nil
	}
	return c.OnBookingEnd(ctx, b.UnitId)
}

// markActive records id's active state for unit and returns the unit's
// resulting active-booking count, so callers can gate hook firing on
// the 0<->1 edge rather than on every transition.
func (c *Controller) markActive(unit types.UnitId, id types.BookingId, active bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.activeBookings[unit]
	if !ok {
		set = make(map[types.BookingId]struct{})
		c.activeBookings[unit] = set
	}
	if active {
		set[id] = struct{}{}
	} else {
		delete(set, id)
	}
	return len(set)
}

// Presence callback wiring — satisfies presence.Callback.

// OnEnter implements presence.Callback.
func (c *Controller) OnEnter(ctx context.Context) error {
	return c.applyHook(ctx, c.cfg.PresenceHooks.OnEnter)
}

// OnLeave implements presence.Callback.
func (c *Controller) OnLeave(ctx context.Context) error {
	return c.applyHook(ctx, c.cfg.PresenceHooks.OnLeave)
}
