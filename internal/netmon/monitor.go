// Package netmon observes tenant API reachability and turns raw probe
// results into discrete, debounced online/offline transitions on the event
// bus. An interface being up is never enough: the probe exercises the real
// server round trip, so a captive portal or half-open link reads as offline.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tillware/possync/internal/events"
)

// MetaKeyLastSeenOnline is the client_meta key holding the last moment the
// tenant API was reachable, used for cache-freshness decisions elsewhere.
const MetaKeyLastSeenOnline = "last_seen_online"

// Prober checks reachability. A nil error means online.
type Prober func(ctx context.Context) error

// MetaWriter persists small client state. Implemented by store.SQLiteStore.
type MetaWriter interface {
	SetMeta(ctx context.Context, key, value string) error
}

// Monitor tracks connectivity. Reads are non-blocking; probing happens in the
// Run loop.
type Monitor struct {
	prober   Prober
	bus      *events.Bus
	meta     MetaWriter
	interval time.Duration
	debounce time.Duration

	mu             sync.Mutex
	initialized    bool
	online         bool
	flipPending    bool
	candidate      bool
	candidateSince time.Time
}

// New creates a monitor. meta may be nil when last-seen-online persistence is
// not wanted (degraded mode startup).
func New(prober Prober, bus *events.Bus, meta MetaWriter, interval, debounce time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		bus:      bus,
		meta:     meta,
		interval: interval,
		debounce: debounce,
	}
}

// IsOnline returns the committed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline forces the committed state, bypassing the debounce window.
// Used by tests and by explicit operator override.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := !m.initialized || m.online != online
	m.initialized = true
	m.online = online
	m.flipPending = false
	m.mu.Unlock()

	if changed {
		m.bus.Publish(events.NetworkChanged{Online: online, At: time.Now().UTC()})
	}
}

// Run starts the probe loop. It probes immediately, then on every tick, and
// blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "netmon",
		"interval", m.interval.String(),
		"debounce", m.debounce.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped",
				"component", "netmon",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and feeds the observation into the debounce state
// machine. Safe to call outside the Run loop.
func (m *Monitor) Check(ctx context.Context) {
	observed := m.prober(ctx) == nil
	now := time.Now().UTC()

	if observed {
		m.touchLastSeen(ctx, now)
	}

	if transitioned, online := m.observe(observed, now); transitioned {
		slog.Info("connectivity changed",
			"component", "netmon",
			"online", online,
		)
		m.bus.Publish(events.NetworkChanged{Online: online, At: now})
	}
}

// observe applies one probe result. A flip only commits after the observed
// state has held for the debounce window, coalescing rapid flapping into a
// single transition.
func (m *Monitor) observe(observed bool, now time.Time) (transitioned, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		m.initialized = true
		m.online = observed
		return false, observed
	}

	if observed == m.online {
		m.flipPending = false
		return false, m.online
	}

	if !m.flipPending || m.candidate != observed {
		m.flipPending = true
		m.candidate = observed
		m.candidateSince = now
	}

	if now.Sub(m.candidateSince) >= m.debounce {
		m.online = observed
		m.flipPending = false
		return true, observed
	}

	return false, m.online
}

// touchLastSeen records the reachability timestamp, best effort.
func (m *Monitor) touchLastSeen(ctx context.Context, now time.Time) {
	if m.meta == nil {
		return
	}
	if err := m.meta.SetMeta(ctx, MetaKeyLastSeenOnline, now.Format(time.RFC3339Nano)); err != nil {
		slog.Debug("failed to persist last-seen-online",
			"component", "netmon",
			"error", err,
		)
	}
}
