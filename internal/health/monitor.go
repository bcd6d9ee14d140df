// Package health tracks bridge liveness and exposes the bot's runtime
// counters to the status commands.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/handler"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/metrics"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/processor"
)

// Status is the monitor's combined view.
type Status struct {
	Bridge        bridge.Health `json:"bridge"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Processed     uint64        `json:"processed"`
	Sent          uint64        `json:"sent"`
	Dropped       uint64        `json:"dropped"`
	Failed        uint64        `json:"failed"`
	LastMessage   time.Time     `json:"last_message"`
	LastProbe     time.Time     `json:"last_probe"`
}

// Monitor probes the bridge periodically, backing off while it is
// down, and aggregates the processor's counters.
type Monitor struct {
	bridge  bridge.API
	proc    *processor.Processor
	metrics *metrics.Metrics
	log     *slog.Logger

	probeInterval time.Duration
	backoff       *backoff.ExponentialBackOff
	startTime     time.Time

	mu        sync.RWMutex
	lastState bridge.Health
	lastProbe time.Time
}

// NewMonitor creates a monitor. m may be nil.
func NewMonitor(b bridge.API, p *processor.Processor, cfg config.BridgeConfig, m *metrics.Metrics, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	if cfg.BackoffFactor > 1 {
		bo.Multiplier = cfg.BackoffFactor
	}
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Monitor{
		bridge:        b,
		proc:          p,
		metrics:       m,
		log:           log,
		probeInterval: cfg.PollInterval * 6,
		backoff:       bo,
		startTime:     time.Now(),
	}
}

// Run probes until ctx is cancelled. While the bridge is down the
// probe cadence follows the backoff instead of the regular interval.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("health monitor started", "interval", m.probeInterval)
	wait := m.probeInterval
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		case <-time.After(wait):
		}

		h := m.Probe(ctx)
		if h.BridgeAvailable {
			m.backoff.Reset()
			wait = m.probeInterval
		} else {
			wait = m.backoff.NextBackOff()
			m.log.Warn("bridge unavailable, probing again later",
				"next_probe_in", wait, "details", h.Details)
		}
	}
}

// Probe performs one health check and records the transition.
func (m *Monitor) Probe(ctx context.Context) bridge.Health {
	h := m.bridge.HealthCheck(ctx)

	m.mu.Lock()
	prev := m.lastState
	m.lastState = h
	m.lastProbe = time.Now()
	m.mu.Unlock()

	if prev.Status != "" && prev.Status != h.Status {
		m.log.Info("bridge health changed", "from", prev.Status, "to", h.Status)
	}
	if m.metrics != nil {
		if h.BridgeAvailable {
			m.metrics.BridgeUp.Set(1)
		} else {
			m.metrics.BridgeUp.Set(0)
		}
	}
	return h
}

// GetStatus returns the combined runtime status.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	last, probe := m.lastState, m.lastProbe
	m.mu.RUnlock()

	s := Status{
		Bridge:        last,
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		LastProbe:     probe,
	}
	if m.proc != nil {
		ps := m.proc.Stats()
		s.Processed = ps.Processed
		s.Sent = ps.Sent
		s.Dropped = ps.Dropped
		s.Failed = ps.Failed
		s.LastMessage = ps.LastAt
	}
	return s
}

// StatsSnapshot satisfies the status commands' counter source.
func (m *Monitor) StatsSnapshot() handler.StatsSnapshot {
	s := m.GetStatus()
	return handler.StatsSnapshot{
		StartedAt:     m.startTime,
		Processed:     s.Processed,
		Sent:          s.Sent,
		Dropped:       s.Dropped,
		Failed:        s.Failed,
		LastMessageAt: s.LastMessage,
	}
}

var _ handler.StatsProvider = (*Monitor)(nil)
