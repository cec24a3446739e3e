// Package obstable implements the Observation Table: the single shared
// store every driver publishes device/metric readings into, and every
// consumer (boolexpr hooks, metrics, telemetry, alerts) reads and
// subscribes from. Grounded on original_source's
// tables.rs (Table/TablePublisher/TableUpdateReceiver).
package obstable

import (
	"encoding/json"
	"sync"

	"github.com/nugget/spacecoord/internal/events"
	"github.com/nugget/spacecoord/internal/types"
)

// subscriberBufSize mirrors the source's BROADCAST_CHANNEL_SIZE: a slow
// subscriber gets a lag signal rather than blocking every publisher.
const subscriberBufSize = 10

// Values is one endpoint's key/value snapshot.
type Values map[string]json.RawMessage

// Clone returns a shallow copy safe to hand to a caller without
// exposing the table's internal map.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

type endpointState struct {
	values      Values
	broadcaster *events.Broadcaster[Values]
}

// Table is the Observation Table: a map of endpoint to key/value state,
// with per-endpoint broadcast of updates to subscribers.
type Table struct {
	mu    sync.Mutex
	state map[types.Endpoint]*endpointState
}

// New returns an empty Table.
func New() *Table {
	return &Table{state: make(map[types.Endpoint]*endpointState)}
}

func (t *Table) entry(ep types.Endpoint) *endpointState {
	e, ok := t.state[ep]
	if !ok {
		e = &endpointState{values: make(Values)}
		t.state[ep] = e
	}
	return e
}

// Get returns a single key's current value for an endpoint.
func (t *Table) Get(ep types.Endpoint, key string) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.state[ep]
	if !ok {
		return nil, false
	}
	v, ok := e.values[key]
	return v, ok
}

// GetAll returns an endpoint's full current snapshot.
func (t *Table) GetAll(ep types.Endpoint) (Values, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.state[ep]
	if !ok {
		return nil, false
	}
	return e.values.Clone(), true
}

// Update merges values into an endpoint's existing state and broadcasts
// the delta (just the changed keys) to subscribers.
func (t *Table) Update(ep types.Endpoint, values Values) {
	t.mu.Lock()
	e := t.entry(ep)
	for k, v := range values {
		e.values[k] = v
	}
	bc := e.broadcaster
	t.mu.Unlock()

	if bc != nil {
		bc.Publish(values.Clone())
	}
}

// UpdateValue sets a single key and broadcasts it as a one-entry delta.
func (t *Table) UpdateValue(ep types.Endpoint, key string, value json.RawMessage) {
	t.Update(ep, Values{key: value})
}

// Replace discards an endpoint's entire prior state and broadcasts the
// full new snapshot, used when a driver resyncs from scratch (e.g. a
// Zigbee device's "get" response after a reconnect).
func (t *Table) Replace(ep types.Endpoint, values Values) {
	t.mu.Lock()
	e := t.entry(ep)
	e.values = values.Clone()
	bc := e.broadcaster
	t.mu.Unlock()

	if bc != nil {
		bc.Publish(values.Clone())
	}
}

// Subscribe returns a channel of incremental updates for ep plus a lag
// channel (signalled when the subscriber fell behind) and a cancel
// func; cancel closes both channels. The endpoint's broadcaster is garbage collected
// once the last subscriber cancels.
func (t *Table) Subscribe(ep types.Endpoint) (updates <-chan Values, lag <-chan struct{}, cancel func()) {
	t.mu.Lock()
	e := t.entry(ep)
	if e.broadcaster == nil {
		e.broadcaster = events.NewBroadcaster[Values]()
	}
	bc := e.broadcaster
	t.mu.Unlock()

	ch, lagCh := bc.Subscribe(subscriberBufSize)

	cancelFn := func() {
		remaining := bc.Unsubscribe(ch)
		if remaining > 0 {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if e, ok := t.state[ep]; ok && e.broadcaster == bc {
			e.broadcaster = nil
		}
	}

	return ch, lagCh, cancelFn
}

// Getter adapts Table to boolexpr.Getter[string] for a single,
// fixed endpoint — the shape every hook evaluator needs.
type Getter struct {
	table *Table
	ep    types.Endpoint
}

// ForEndpoint returns a boolexpr.Getter[string] scoped to one endpoint.
func (t *Table) ForEndpoint(ep types.Endpoint) Getter {
	return Getter{table: t, ep: ep}
}

// Get implements boolexpr.Getter[string].
func (g Getter) Get(key string) (json.RawMessage, bool) {
	return g.table.Get(g.ep, key)
}
