// Package alert evaluates configured boolean predicates over the
// Observation Table and fires edge-triggered start/stop callbacks,
// gated by presence, active bookings, snooze, and a grace period.
// Grounded on original_source's tasks/alert_publisher.rs.
package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/boolexpr"
	"github.com/nugget/spacecoord/internal/booking"
	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/presence"
	"github.com/nugget/spacecoord/internal/types"
)

// TableKey names a single Observation Table cell: one endpoint's one
// published key. Alert predicates are expressed over TableKey since an
// alert typically spans more than one device's endpoint.
type TableKey struct {
	Endpoint types.Endpoint `toml:"endpoint"`
	Key      string         `toml:"key"`
}

// Config configures a single alert.
type Config struct {
	ID        types.AlertId
	Predicate boolexpr.Expression[TableKey]
	Presence  *bool          // nil: ignore presence; non-nil: must match exactly
	Bookings  []types.UnitId // nil: ignore; else at least one unit must have a non-buffered active booking
	Snooze    time.Duration  // minimum time between consecutive fires
	Grace     time.Duration  // sustained-true duration required before firing
}

// Callback receives edge-triggered alert transitions.
type Callback interface {
	OnAlert(ctx context.Context, id types.AlertId, started bool) error
}

// Publisher runs one monitor goroutine per configured alert.
type Publisher struct {
	cfgs     []Config
	presence *presence.Monitor
	bookings *booking.Manager
	table    *obstable.Table
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []Callback
}

// New constructs a Publisher. Call Start once every dependency is
// ready.
func New(cfgs []Config, pres *presence.Monitor, bookings *booking.Manager, table *obstable.Table, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{cfgs: cfgs, presence: pres, bookings: bookings, table: table, logger: log}
}

// AddCallback registers cb for future alert transitions.
func (p *Publisher) AddCallback(cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Start launches one monitor goroutine per configured alert, each
// running until ctx is canceled.
func (p *Publisher) Start(ctx context.Context) {
	for _, cfg := range p.cfgs {
		go p.monitor(ctx, cfg)
	}
}

// snapshot adapts a merged multi-endpoint view to boolexpr.Getter[TableKey].
type snapshot map[TableKey]json.RawMessage

func (s snapshot) Get(key TableKey) (json.RawMessage, bool) {
	v, ok := s[key]
	return v, ok
}

func (p *Publisher) monitor(ctx context.Context, cfg Config) {
	endpoints := make(map[types.Endpoint]struct{})
	for key := range cfg.Predicate.Keys() {
		endpoints[key.Endpoint] = struct{}{}
	}

	type update struct {
		ep     types.Endpoint
		values obstable.Values
	}
	combined := make(chan update, 32)

	var wg sync.WaitGroup
	for ep := range endpoints {
		ep := ep
		ch, _, cancel := p.table.Subscribe(ep)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case values, ok := <-ch:
					if !ok {
						return
					}
					select {
					case combined <- update{ep: ep, values: values}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(combined)
	}()

	snap := make(snapshot)

	var fired bool
	var lastAlertAt time.Time
	var graceStartedAt time.Time
	var inGrace bool

	for {
		select {
		case u, ok := <-combined:
			if !ok {
				return
			}
			for k, v := range u.values {
				snap[TableKey{Endpoint: u.ep, Key: k}] = v
			}
			p.evaluate(ctx, cfg, snap, &fired, &lastAlertAt, &graceStartedAt, &inGrace)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) evaluate(ctx context.Context, cfg Config, snap snapshot, fired *bool, lastAlertAt, graceStartedAt *time.Time, inGrace *bool) {
	if cfg.Presence != nil && p.presence != nil && p.presence.IsPresent() != *cfg.Presence {
		return
	}

	if len(cfg.Bookings) > 0 && !p.anyUnitActive(cfg.Bookings) {
		return
	}

	now := time.Now()

	result, err := cfg.Predicate.Test(snap)
	if err != nil {
		p.logger.Warn("alert: could not evaluate predicate", "alert", cfg.ID, "error", err)
		return
	}

	if result {
		if *fired {
			return
		}
		// Snooze only holds back a fresh fire; a stop is never delayed.
		if cfg.Snooze > 0 && !lastAlertAt.IsZero() && now.Sub(*lastAlertAt) < cfg.Snooze {
			return
		}
		if cfg.Grace > 0 {
			if *inGrace {
				if now.Sub(*graceStartedAt) <= cfg.Grace {
					return
				}
				*inGrace = false
			} else {
				p.logger.Info("alert: will fire after grace period", "alert", cfg.ID)
				*graceStartedAt = now
				*inGrace = true
				return
			}
		}
		*lastAlertAt = now
		*fired = true
		p.logger.Info("alert: firing", "alert", cfg.ID)
		p.fire(ctx, cfg.ID, true)
		return
	}

	if *fired {
		*fired = false
		p.fire(ctx, cfg.ID, false)
		return
	}
	if *inGrace {
		*inGrace = false
		p.logger.Info("alert: cancelling grace period", "alert", cfg.ID)
	}
}

func (p *Publisher) anyUnitActive(units []types.UnitId) bool {
	for _, unit := range units {
		if len(p.bookings.ActiveBookings(unit)) > 0 {
			return true
		}
	}
	return false
}

func (p *Publisher) fire(ctx context.Context, id types.AlertId, started bool) {
	p.mu.Lock()
	callbacks := append([]Callback(nil), p.callbacks...)
	p.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb.OnAlert(ctx, id, started); err != nil {
			p.logger.Warn("alert: callback failed", "alert", id, "error", err)
		}
	}
}
