// Package carpark reconciles ad-hoc parking registrations and active
// bookings' guests against a car-park exemption service, notifying the
// operator of results and publishing per-unit parking state to the
// OSD. Grounded on original_source's tasks/carpark_exempter.rs.
package carpark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/notify"
	"github.com/nugget/spacecoord/internal/osd"
	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/types"
)

// ExemptionService exempts a license plate from car-park charges. It
// reports whether the exemption succeeded and, when the vehicle's
// car-park entry is known, its entry time.
type ExemptionService interface {
	Exempt(ctx context.Context, licensePlate string) (success bool, entryDate time.Time, hasEntryDate bool, err error)
}

type adhocParkingsResponse struct {
	Parkings []struct {
		LicensePlateNumber string `json:"license_plate_number"`
	} `json:"parkings"`
}

type bookingUsers struct {
	CustomerName string `json:"customer_name"`
	Users        []struct {
		Name               string `json:"name"`
		LicensePlateNumber string `json:"license_plate_number"`
	} `json:"users"`
}

type plateEntry struct {
	plate        string
	unit         types.UnitId
	hasUnit      bool
	customerName string
	userName     string
	current      bool
}

type parkingStatePayload struct {
	LicensePlateNumber string    `json:"licensePlateNumber"`
	UserName           string    `json:"userName"`
	EntryDate          time.Time `json:"entryDate"`
	Exempted           bool      `json:"exempted"`
}

type parkingStatesPayload struct {
	UnitID types.UnitId          `json:"unitId"`
	States []parkingStatePayload `json:"states"`
}

// Exempter is the Car-park Exempter.
type Exempter struct {
	client   *rpcclient.Client
	bookings *booking.Manager
	svc      ExemptionService
	osd      *osd.Controller
	notify   *notify.Publisher
	logger   *slog.Logger

	mu     sync.Mutex
	active map[types.BookingId]booking.Booking
}

// New constructs an Exempter.
func New(client *rpcclient.Client, bookings *booking.Manager, svc ExemptionService, osdCtl *osd.Controller, notifier *notify.Publisher) *Exempter {
	return &Exempter{
		client:   client,
		bookings: bookings,
		svc:      svc,
		osd:      osdCtl,
		notify:   notifier,
		logger:   slog.Default(),
		active:   make(map[types.BookingId]booking.Booking),
	}
}

// OnEventCreated implements booking.Callback.
func (e *Exempter) OnEventCreated(ctx context.Context, b booking.Booking, inProgress bool) error {
	return nil
}

// OnEventDeleted implements booking.Callback.
func (e *Exempter) OnEventDeleted(ctx context.Context, b booking.Booking, inProgress bool) error {
	e.mu.Lock()
	delete(e.active, b.ID)
	e.mu.Unlock()
	return nil
}

// OnEventStart implements booking.Callback: the buffered window is
// when a booking's guests become eligible for exemption.
func (e *Exempter) OnEventStart(ctx context.Context, b booking.Booking, buffered bool) error {
	if buffered {
		e.mu.Lock()
		e.active[b.ID] = b
		e.mu.Unlock()
	}
	return nil
}

// OnEventEnd implements booking.Callback.
func (e *Exempter) OnEventEnd(ctx context.Context, b booking.Booking, buffered bool) error {
	if buffered {
		e.mu.Lock()
		delete(e.active, b.ID)
		e.mu.Unlock()
	}
	return nil
}

func (e *Exempter) snapshot() []booking.Booking {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]booking.Booking, 0, len(e.active))
	for _, b := range e.active {
		out = append(out, b)
	}
	return out
}

func (e *Exempter) isCurrentBooking(b booking.Booking) bool {
	for _, ab := range e.bookings.ActiveBookings(b.UnitId) {
		if ab.ID == b.ID {
			return true
		}
	}
	return false
}

// Update fetches ad-hoc parking registrations, unions them with every
// buffered-active booking's guests' license plates, exempts each
// plate, and notifies the operator of each exemption error and each
// successful exemption. A unit's parking state is published to the OSD
// only when at least one plate from its currently in-progress bookings
// came back from the exemption service with an entry date.
func (e *Exempter) Update(ctx context.Context) error {
	plates := make(map[string]plateEntry)

	var adhoc adhocParkingsResponse
	if err := e.client.Get(ctx, "/adhoc-parkings", nil, &adhoc); err != nil {
		e.logger.Warn("carpark: could not fetch adhoc parking information", "error", err)
	} else {
		for _, p := range adhoc.Parkings {
			if p.LicensePlateNumber == "" {
				continue
			}
			plates[p.LicensePlateNumber] = plateEntry{plate: p.LicensePlateNumber}
		}
	}

	for _, b := range e.snapshot() {
		current := e.isCurrentBooking(b)

		var bu bookingUsers
		if len(b.Raw) > 0 {
			_ = json.Unmarshal(b.Raw, &bu)
		}
		for _, u := range bu.Users {
			if u.LicensePlateNumber == "" {
				continue
			}
			plates[u.LicensePlateNumber] = plateEntry{
				plate:        u.LicensePlateNumber,
				unit:         b.UnitId,
				hasUnit:      true,
				customerName: bu.CustomerName,
				userName:     u.Name,
				current:      current,
			}
		}
	}

	perUnit := make(map[types.UnitId][]parkingStatePayload)

	for _, pe := range plates {
		success, entryDate, hasEntryDate, err := e.svc.Exempt(ctx, pe.plate)
		if err != nil {
			if nerr := e.notify.Notify(ctx, notify.PriorityLow, fmt.Sprintf("Car parking exemption error: %v", err)); nerr != nil {
				e.logger.Error("carpark: could not send exemption-error notification", "error", nerr)
			}
			continue
		}

		if pe.hasUnit && hasEntryDate && pe.current {
			perUnit[pe.unit] = append(perUnit[pe.unit], parkingStatePayload{
				LicensePlateNumber: pe.plate,
				UserName:           pe.userName,
				EntryDate:          entryDate,
				Exempted:           success,
			})
		}

		if !success {
			continue
		}
		msg := fmt.Sprintf("Car parking exempted successfully for user %s (%s)", pe.userName, pe.customerName)
		if nerr := e.notify.Notify(ctx, notify.PriorityLow, msg); nerr != nil {
			e.logger.Error("carpark: could not send exemption-success notification", "error", nerr)
		}
	}

	for unit, states := range perUnit {
		sort.Slice(states, func(i, j int) bool { return states[i].UserName < states[j].UserName })
		if err := e.osd.Publish(ctx, "parking/states", parkingStatesPayload{UnitID: unit, States: states}); err != nil {
			e.logger.Warn("carpark: could not publish parking state to OSD", "unit", unit, "error", err)
		}
	}

	return nil
}
