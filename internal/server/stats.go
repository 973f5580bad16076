// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"log/slog"
	"time"
)

const statsInterval = 5 * time.Minute

// StatsReporter emite métricas periódicas do server no log: conexões e
// sessões ativas e a taxa de entrada desde o último report (swap-and-reset
// sobre o contador acumulado do hub).
type StatsReporter struct {
	hub       *Hub
	registry  *Registry
	mgr       *Manager
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	lastTrafficIn int64
	lastReport    time.Time
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(hub *Hub, registry *Registry, mgr *Manager, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		hub:       hub,
		registry:  registry,
		mgr:       mgr,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel
	sr.lastReport = time.Now()

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	now := time.Now()
	trafficIn := sr.hub.TrafficIn()
	deltaBytes := trafficIn - sr.lastTrafficIn
	deltaSecs := now.Sub(sr.lastReport).Seconds()
	sr.lastTrafficIn = trafficIn
	sr.lastReport = now

	var mbps float64
	if deltaSecs > 0 {
		mbps = float64(deltaBytes) / deltaSecs / (1024 * 1024)
	}

	sr.logger.Info("server stats",
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"active_conns", sr.hub.ActiveConns(),
		"registered_clients", sr.registry.Count(),
		"active_sessions", sr.mgr.ActiveSessions(),
		"sessions_retained", sr.mgr.SessionCount(),
		"traffic_in_bytes", trafficIn,
		"traffic_in_mbps", mbps,
	)
}
