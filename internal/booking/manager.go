// Package booking tracks the rolling 24-hour window of pending and
// in-progress bookings for every unit and fires buffered start/end
// transitions through a set of registered callbacks. Grounded on
// original_source's tasks/booking_state_manager.rs, adapted to use
// scheduler.Scheduler's name-keyed idempotent timers in place of the
// source's separate pending-task-id bookkeeping map.
package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/scheduler"
	"github.com/nugget/spacecoord/internal/types"
)

// Booking is a single reservation with its pre/post buffer window
// already resolved by the Server.
type Booking struct {
	ID              types.BookingId `json:"id"`
	UnitId          types.UnitId    `json:"unit_id"`
	Start           time.Time       `json:"date_start"`
	End             time.Time       `json:"date_end"`
	StartWithBuffer time.Time       `json:"date_start_w_buffer"`
	EndWithBuffer   time.Time       `json:"date_end_w_buffer"`
	Raw             json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed fields as usual, then retains the
// full decoded object in Raw so callers can recover server fields this
// struct doesn't model (e.g. customer name, guest license plates).
func (b *Booking) UnmarshalJSON(data []byte) error {
	type bookingAlias Booking
	var aux bookingAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = Booking(aux)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b Booking) equal(other Booking) bool {
	return b.Start.Equal(other.Start) && b.End.Equal(other.End) &&
		b.StartWithBuffer.Equal(other.StartWithBuffer) && b.EndWithBuffer.Equal(other.EndWithBuffer)
}

// Callback receives booking lifecycle transitions. Implementations must
// not block; Manager invokes callbacks sequentially and logs any error
// without aborting the remaining callbacks.
type Callback interface {
	OnEventCreated(ctx context.Context, b Booking, inProgress bool) error
	OnEventDeleted(ctx context.Context, b Booking, inProgress bool) error
	OnEventStart(ctx context.Context, b Booking, buffered bool) error
	OnEventEnd(ctx context.Context, b Booking, buffered bool) error
}

// Manager is the Booking State Manager: it reconciles the Server's
// pending-booking list into a rolling 24h window and drives buffered
// start/end callbacks off scheduler-managed timers.
type Manager struct {
	client *rpcclient.Client
	sched  *scheduler.Scheduler
	logger *slog.Logger

	mu          sync.Mutex
	bookings1d  map[types.UnitId][]Booking
	callbacks   []Callback
}

// New constructs a Manager. Call Reconcile's registration (e.g. via
// sched.ScheduleEvery) once the caller is ready to start polling.
func New(client *rpcclient.Client, sched *scheduler.Scheduler, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client:     client,
		sched:      sched,
		logger:     log,
		bookings1d: make(map[types.UnitId][]Booking),
	}
}

// AddCallback registers cb to receive future lifecycle events.
func (m *Manager) AddCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ActiveBookings returns the unit's bookings currently within their
// unbuffered [Start, End) window.
func (m *Manager) ActiveBookings(unit types.UnitId) []Booking {
	return m.filterActive(unit, func(b Booking, now time.Time) bool {
		return !b.Start.After(now) && now.Before(b.End)
	})
}

// ActiveBufferedBookings returns the unit's bookings currently within
// their buffered [StartWithBuffer, EndWithBuffer) window.
func (m *Manager) ActiveBufferedBookings(unit types.UnitId) []Booking {
	return m.filterActive(unit, func(b Booking, now time.Time) bool {
		return !b.StartWithBuffer.After(now) && now.Before(b.EndWithBuffer)
	})
}

func (m *Manager) filterActive(unit types.UnitId, pred func(Booking, time.Time) bool) []Booking {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Booking
	for _, b := range m.bookings1d[unit] {
		if pred(b, now) {
			out = append(out, b)
		}
	}
	return out
}

type pendingBookingsResponse struct {
	Bookings map[types.UnitId][]Booking `json:"bookings"`
}

// Reconcile fetches the pending-booking list from the Server, purges
// expired entries, diffs the remainder per unit, fires
// created/deleted callbacks, and (re)schedules the four buffered
// start/end transitions for anything due within the next 24 hours.
// Intended to run on a 10-minute recurring schedule.
func (m *Manager) Reconcile(ctx context.Context) error {
	q := url.Values{"type": {"pending"}}
	var resp pendingBookingsResponse
	if err := m.client.Get(ctx, "/pending-bookings", q, &resp); err != nil {
		return fmt.Errorf("booking: fetch pending bookings: %w", err)
	}

	now := time.Now()

	var toAdd, toDelete []Booking

	m.mu.Lock()
	for unit, bookings := range m.bookings1d {
		kept := bookings[:0]
		for _, b := range bookings {
			if b.EndWithBuffer.After(now) {
				kept = append(kept, b)
			}
		}
		m.bookings1d[unit] = kept
	}

	for unit, incoming := range resp.Bookings {
		current := m.bookings1d[unit]
		seen := make(map[types.BookingId]bool, len(current))
		for _, b := range current {
			seen[b.ID] = true
		}

		for _, booking := range incoming {
			if booking.StartWithBuffer.Sub(now) > 24*time.Hour || booking.StartWithBuffer.Before(now.Add(-24*time.Hour)) {
				continue
			}
			delete(seen, booking.ID)

			found := false
			for i, existing := range current {
				if existing.ID == booking.ID {
					found = true
					if !existing.equal(booking) {
						current[i] = booking
					}
					break
				}
			}
			if !found {
				toAdd = append(toAdd, booking)
				current = append(current, booking)
			}
		}

		var remaining []Booking
		for _, b := range current {
			if seen[b.ID] {
				toDelete = append(toDelete, b)
				continue
			}
			remaining = append(remaining, b)
		}
		m.bookings1d[unit] = remaining
	}
	bookings1dSnapshot := make(map[types.UnitId][]Booking, len(m.bookings1d))
	for unit, bs := range m.bookings1d {
		bookings1dSnapshot[unit] = append([]Booking(nil), bs...)
	}
	m.mu.Unlock()

	for _, b := range toAdd {
		m.onNewBooking(ctx, b, now)
	}
	for _, b := range toDelete {
		m.cancelTransitions(b.ID)
		m.onBookingRemoved(ctx, b, now)
	}

	for _, bookings := range bookings1dSnapshot {
		for _, b := range bookings {
			m.scheduleTransitions(b)
		}
	}

	return nil
}

func taskName(id types.BookingId, suffix string) string {
	return fmt.Sprintf("booking_%s_%s", id.String(), suffix)
}

func (m *Manager) scheduleTransitions(b Booking) {
	m.scheduleIfDue(taskName(b.ID, "start_with_buffer"), b.StartWithBuffer, func(ctx context.Context) error {
		m.onBookingStart(ctx, b, true)
		return nil
	})
	m.scheduleIfDue(taskName(b.ID, "start"), b.Start, func(ctx context.Context) error {
		m.onBookingStart(ctx, b, false)
		return nil
	})
	m.scheduleIfDue(taskName(b.ID, "end"), b.End, func(ctx context.Context) error {
		m.onBookingEnd(ctx, b, false)
		return nil
	})
	m.scheduleIfDue(taskName(b.ID, "end_with_buffer"), b.EndWithBuffer, func(ctx context.Context) error {
		m.onBookingEnd(ctx, b, true)
		return nil
	})
}

func (m *Manager) scheduleIfDue(name string, at time.Time, fn scheduler.TaskFunc) {
	if !at.After(time.Now()) || at.Sub(time.Now()) > 24*time.Hour {
		return
	}
	m.sched.ScheduleAt(name, at, fn)
}

func (m *Manager) cancelTransitions(id types.BookingId) {
	m.sched.Cancel(taskName(id, "start_with_buffer"))
	m.sched.Cancel(taskName(id, "start"))
	m.sched.Cancel(taskName(id, "end"))
	m.sched.Cancel(taskName(id, "end_with_buffer"))
}

func (m *Manager) onBookingStart(ctx context.Context, b Booking, buffered bool) {
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb.OnEventStart(ctx, b, buffered); err != nil {
			m.logger.Error("callback error on booking start", "booking", b.ID, "error", err)
		}
	}
}

func (m *Manager) onBookingEnd(ctx context.Context, b Booking, buffered bool) {
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb.OnEventEnd(ctx, b, buffered); err != nil {
			m.logger.Error("callback error on booking end", "booking", b.ID, "error", err)
		}
	}
}

func (m *Manager) onNewBooking(ctx context.Context, b Booking, now time.Time) {
	inProgress := !b.StartWithBuffer.After(now) && now.Before(b.EndWithBuffer)
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb.OnEventCreated(ctx, b, inProgress); err != nil {
			m.logger.Error("callback error on booking created", "booking", b.ID, "error", err)
		}
	}
}

func (m *Manager) onBookingRemoved(ctx context.Context, b Booking, now time.Time) {
	inProgress := !b.StartWithBuffer.After(now) && now.Before(b.EndWithBuffer)
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb.OnEventDeleted(ctx, b, inProgress); err != nil {
			m.logger.Error("callback error on booking deleted", "booking", b.ID, "error", err)
		}
	}
}
