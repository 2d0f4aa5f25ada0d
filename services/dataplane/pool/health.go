// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/dataplane/services/dataplane/backend"
	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
)

// StartHealthLoop launches the background health checker. Safe to call
// once; later calls are no-ops. Stop it via Shutdown.
func (m *Manager) StartHealthLoop() {
	m.loopOnce.Do(func() {
		go m.healthLoop()
	})
}

func (m *Manager) stopLoop() {
	select {
	case <-m.stopCh:
		return // already stopped
	default:
	}
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(5 * time.Second):
		m.logger.Warn("pool: health loop did not stop in time")
	}
}

// healthLoop pings every live session on a fixed cadence. A failed ping
// drops the session so the next Acquire reconnects, and reports the
// failure to the recovery manager.
func (m *Manager) healthLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	m.logger.Info("pool: health loop started", "interval", m.cfg.HealthInterval)
	for {
		select {
		case <-m.stopCh:
			m.logger.Info("pool: health loop stopped")
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

// checkOnce pings every kind in parallel; each ping gets its own bounded
// context so one hung backend cannot stall the sweep.
func (m *Manager) checkOnce() {
	var wg sync.WaitGroup
	for kind, ent := range m.entries {
		wg.Add(1)
		go func(kind backend.Kind, ent *entry) {
			defer wg.Done()
			m.checkKind(kind, ent)
		}(kind, ent)
	}
	wg.Wait()
}

func (m *Manager) checkKind(kind backend.Kind, ent *entry) {
	h := ent.handle.Load()
	if h == nil {
		// Nothing live; Acquire will reconnect on demand.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingTimeout)
	defer cancel()

	start := time.Now()
	err := ent.adapter.Ping(ctx, h.Session)
	if err != nil {
		m.metrics.HealthChecksTotal.WithLabelValues(kind.String(), "failed").Inc()
		m.logger.Warn("pool: health check failed",
			"kind", kind.String(), "latency_ms", time.Since(start).Milliseconds(), "error", err)
		m.dropHandle(ent, kind, h)
		// The ping context is usually spent by the very timeout being
		// reported; recovery gets a fresh one and applies its own bound.
		m.report(context.Background(), kind, err)
		return
	}

	h.LastHealthCheck = time.Now()
	m.metrics.HealthChecksTotal.WithLabelValues(kind.String(), "ok").Inc()
	m.logger.Debug("pool: health check ok",
		"kind", kind.String(), "latency_ms", time.Since(start).Milliseconds())
}

// CheckHealth pings every managed backend once, on demand, for the health
// endpoint. Unlike the background loop it does not drop failing sessions;
// it only reports.
func (m *Manager) CheckHealth(ctx context.Context) map[string]HealthReport {
	out := make(map[string]HealthReport, len(m.entries))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for kind, ent := range m.entries {
		wg.Add(1)
		go func(kind backend.Kind, ent *entry) {
			defer wg.Done()

			report := HealthReport{CheckedAt: time.Now()}
			h := ent.handle.Load()
			if h == nil {
				report.Status = "disconnected"
			} else {
				pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
				start := time.Now()
				err := ent.adapter.Ping(pingCtx, h.Session)
				cancel()
				report.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
				if err != nil {
					report.Status = "unhealthy"
					report.Error = err.Error()
				} else {
					report.Status = "healthy"
				}
			}

			mu.Lock()
			out[kind.String()] = report
			mu.Unlock()
		}(kind, ent)
	}
	wg.Wait()
	return out
}

// RegisterRecovery installs the standard connection recovery procedure for
// every managed kind on the given recovery manager: reinitialize the
// backend with full backoff, then verify it with a live ping.
func (m *Manager) RegisterRecovery(rm *recovery.Manager) {
	for _, kind := range m.Kinds() {
		op := recovery.ConnectionOperation(kind.String())
		rm.Register(op, recovery.ConnectionProcedure(
			func(ctx context.Context) error { return m.Reinit(ctx, kind) },
			func(ctx context.Context) error { return m.Ping(ctx, kind) },
		))
	}
}
