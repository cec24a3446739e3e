// Package units keeps a periodically refreshed snapshot of the space's
// unit ids, atomically swapped behind a lock so readers never block a
// poll in progress. Grounded on the teacher's internal/unifi/poller.go
// periodic-pull idiom.
package units

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/rpcclient"
	"github.com/nugget/spacecoord/internal/types"
)

// Fetcher polls the Server for the current unit list on a fixed
// interval.
type Fetcher struct {
	client   *rpcclient.Client
	interval time.Duration

	mu    sync.RWMutex
	units []types.UnitId
}

// New constructs a Fetcher. Call Start to begin polling.
func New(client *rpcclient.Client, interval time.Duration) *Fetcher {
	return &Fetcher{client: client, interval: interval}
}

type unitsResponse struct {
	Units []types.UnitId `json:"units"`
}

// Start performs an initial fetch, then polls on f.interval until ctx is
// canceled.
func (f *Fetcher) Start(ctx context.Context) error {
	if err := f.fetch(ctx); err != nil {
		return fmt.Errorf("units: initial fetch: %w", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.fetch(ctx)
		}
	}
}

func (f *Fetcher) fetch(ctx context.Context) error {
	var resp unitsResponse
	if err := f.client.Get(ctx, "/units", nil, &resp); err != nil {
		return err
	}
	f.mu.Lock()
	f.units = resp.Units
	f.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the most recently fetched unit list.
func (f *Fetcher) Snapshot() []types.UnitId {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]types.UnitId(nil), f.units...)
}
