// ABOUTME: Background heartbeat monitor that marks stale agents Offline.
// ABOUTME: Runs one fixed-interval loop; status flips fan out via the registry hook.

package registry

import (
	"context"
	"log/slog"
	"time"
)

// Monitor periodically sweeps the registry for instances that stopped
// heartbeating. Liveness signals themselves are agent-pushed through
// Registry.Heartbeat; the monitor only detects their absence.
type Monitor struct {
	registry *Registry
	interval time.Duration
	// missThreshold is how stale a heartbeat may be before the instance is
	// marked Offline. Reference configuration: two missed intervals.
	missThreshold time.Duration
	// evictAfter is how long an instance may stay Offline before it is
	// removed entirely. Zero disables eviction.
	evictAfter time.Duration
	logger     *slog.Logger
}

// NewMonitor creates a heartbeat monitor over the given registry.
func NewMonitor(registry *Registry, interval, missThreshold, evictAfter time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:      registry,
		interval:      interval,
		missThreshold: missThreshold,
		evictAfter:    evictAfter,
		logger:        logger.With("component", "heartbeat"),
	}
}

// Run blocks until ctx is cancelled, ticking at the configured interval.
// Each tick holds the registry lock only for the status sweep, never for
// the duration of any outbound call.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started",
		"interval", m.interval,
		"miss_threshold", m.missThreshold,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick performs one monitor pass: expire stale instances, then evict
// long-dead ones. Exposed separately so tests can drive the monitor
// without real time.
func (m *Monitor) Tick() {
	events := m.registry.ExpireStale(m.missThreshold)
	for _, ev := range events {
		m.logger.Warn("agent missed heartbeats",
			"agent", ev.Agent,
			"group", ev.Group,
			"old_status", ev.OldStatus,
		)
	}

	if m.evictAfter > 0 {
		m.registry.EvictDead(m.evictAfter)
	}
}
