// Package presence implements room presence detection by ICMP-pinging
// a configured list of hosts (phones, laptops — whatever the space
// expects to be on the LAN when occupied). Grounded on
// original_source's tasks/presence_monitor.rs.
package presence

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Callback receives edge-triggered presence transitions.
type Callback interface {
	OnEnter(ctx context.Context) error
	OnLeave(ctx context.Context) error
}

// Monitor pings a list of hosts on a fixed interval and reports
// edge-triggered enter/leave transitions: enter as soon as any host
// answers, leave once no host has answered for awayInterval.
type Monitor struct {
	hosts         []netip.Addr
	scanInterval  time.Duration
	awayInterval  time.Duration
	pingDeadline  time.Duration
	logger        *slog.Logger

	mu            sync.Mutex
	initialized   bool
	isPresent     bool
	lastSeenState bool
	lastSeenAt    time.Time
	callbacks     []Callback
}

// New constructs a Monitor. Call Run to start scanning.
func New(hosts []netip.Addr, scanInterval, awayInterval, pingDeadline time.Duration, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		hosts:        hosts,
		scanInterval: scanInterval,
		awayInterval: awayInterval,
		pingDeadline: pingDeadline,
		logger:       log,
	}
}

// AddCallback registers cb for future enter/leave transitions.
func (m *Monitor) AddCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// IsPresent returns the monitor's current presence determination.
func (m *Monitor) IsPresent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPresent
}

// Run scans on scanInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.scan(ctx)

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	for _, addr := range m.hosts {
		if m.pingHost(addr) {
			m.markSeen(ctx, addr)
			return
		}
	}
	m.markAway(ctx)
}

func (m *Monitor) pingHost(addr netip.Addr) bool {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		m.logger.Warn("presence: could not open icmp socket", "error", err)
		return false
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{ID: int(time.Now().UnixNano() & 0xffff), Seq: 1, Data: []byte("spacecoord")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false
	}

	if err := conn.SetDeadline(time.Now().Add(m.pingDeadline)); err != nil {
		return false
	}
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: addr.AsSlice()}); err != nil {
		return false
	}

	// The reply is not parsed: any packet read from the socket before the
	// deadline counts as presence, since the kernel occasionally hands back
	// an ICMP packet that would not decode cleanly even though the host
	// plainly answered.
	rb := make([]byte, 1500)
	_, _, err = conn.ReadFrom(rb)
	return err == nil
}

func (m *Monitor) markSeen(ctx context.Context, addr netip.Addr) {
	var fireEnter bool

	m.mu.Lock()
	if !m.isPresent {
		m.logger.Info("presence state changed to true", "endpoint", addr)
		m.isPresent = true
		m.initialized = true
		fireEnter = true
	}
	m.lastSeenState = true
	m.lastSeenAt = time.Now()
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	if fireEnter {
		for _, cb := range callbacks {
			if err := cb.OnEnter(ctx); err != nil {
				m.logger.Error("presence: OnEnter callback failed", "error", err)
			}
		}
	}
}

func (m *Monitor) markAway(ctx context.Context) {
	var fireLeave bool

	m.mu.Lock()
	if !m.initialized {
		m.initialized = true
		fireLeave = true
	}
	if !m.lastSeenAt.IsZero() {
		if m.lastSeenState {
			m.logger.Info("presence disappeared, will take effect after away interval", "awayInterval", m.awayInterval)
			m.lastSeenState = false
		}
		if time.Since(m.lastSeenAt) >= m.awayInterval && m.isPresent {
			m.logger.Info("presence state changed to false")
			m.isPresent = false
			fireLeave = true
		}
	}
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	if fireLeave {
		for _, cb := range callbacks {
			if err := cb.OnLeave(ctx); err != nil {
				m.logger.Error("presence: OnLeave callback failed", "error", err)
			}
		}
	}
}
