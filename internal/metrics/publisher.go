// Package metrics aggregates per-device Observation Table readings into
// space-level metrics: a bounded moving average per device, summed
// across devices, republished to the metric's own endpoint. Grounded on
// original_source's tasks/metrics_publisher.rs.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/spacecoord/internal/obstable"
	"github.com/nugget/spacecoord/internal/types"
)

// Config configures a single published metric: sum across Devices' raw
// readings on each of PublishKeys, each device's contribution smoothed
// by a moving average bounded to AverageWindow (no smoothing if zero).
type Config struct {
	ID            types.MetricId     `toml:"id"`
	PublishKeys   []string           `toml:"publish_keys"`
	Devices       []types.DeviceRef  `toml:"device"`
	AverageWindow time.Duration      `toml:"average_window"`
}

// Publisher runs one collector goroutine per configured metric.
type Publisher struct {
	configs []Config
	logger  *slog.Logger
}

// New constructs a Publisher. Call Start once the Observation Table is
// ready to be subscribed to.
func New(configs []Config, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{configs: configs, logger: log}
}

// Start launches one collector goroutine per configured metric, each
// running until ctx is canceled.
func (p *Publisher) Start(ctx context.Context, table *obstable.Table) {
	for _, cfg := range p.configs {
		go p.collect(ctx, cfg, table)
	}
}

type keyState struct {
	avg      *movingAverage
	lastByID map[types.DeviceRef]float64
}

func (p *Publisher) collect(ctx context.Context, cfg Config, table *obstable.Table) {
	states := make(map[string]*keyState, len(cfg.PublishKeys))
	for _, key := range cfg.PublishKeys {
		last := make(map[types.DeviceRef]float64, len(cfg.Devices))
		for _, dev := range cfg.Devices {
			last[dev] = 0
		}
		states[key] = &keyState{avg: newMovingAverage(cfg.AverageWindow), lastByID: last}
	}

	type update struct {
		dev    types.DeviceRef
		values obstable.Values
	}
	combined := make(chan update, 32)

	var wg sync.WaitGroup
	for _, dev := range cfg.Devices {
		dev := dev
		ch, _, cancel := table.Subscribe(types.DeviceEndpoint(dev))
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
					case combined <- update{dev: dev, values: values}:
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

	metricEndpoint := types.MetricEndpoint(cfg.ID)

	for {
		select {
		case u, ok := <-combined:
			if !ok {
				return
			}
			toPublish := make(obstable.Values, len(states))
			for key, st := range states {
				if raw, ok := u.values[key]; ok {
					if f, ok := asFloat(raw); ok {
						st.lastByID[u.dev] = st.avg.push(f)
					}
				}
				sum := 0.0
				for _, v := range st.lastByID {
					sum += v
				}
				encoded, err := json.Marshal(sum)
				if err != nil {
					continue
				}
				toPublish[key] = encoded
			}
			table.Update(metricEndpoint, toPublish)
		case <-ctx.Done():
			return
		}
	}
}

func asFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}
