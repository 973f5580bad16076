// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-fetch/internal/config"
)

// Maintenance roda a varredura periódica de limpeza via cron expression:
// remove arquivos .partial órfãos (sessões já removidas ou restos de um
// crash anterior) mais antigos que o TTL configurado.
type Maintenance struct {
	cron   *cron.Cron
	store  *DownloadStore
	mgr    *Manager
	cfg    config.MaintenanceConfig
	logger *slog.Logger
}

// NewMaintenance cria a varredura com o schedule configurado ("@every 5m" default).
func NewMaintenance(store *DownloadStore, mgr *Manager, cfg config.MaintenanceConfig, logger *slog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		store:  store,
		mgr:    mgr,
		cfg:    cfg,
		logger: logger.With("component", "maintenance"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Schedule, m.sweep); err != nil {
		return nil, err
	}

	m.cron = c
	return m, nil
}

// Start inicia o scheduler.
func (m *Maintenance) Start() {
	m.logger.Info("maintenance sweep scheduled", "schedule", m.cfg.Schedule, "partialTtl", m.cfg.PartialTTL)
	m.cron.Start()
}

// Stop para o scheduler e aguarda a varredura em andamento.
func (m *Maintenance) Stop(ctx context.Context) {
	stopCtx := m.cron.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("maintenance sweep stopped")
	case <-ctx.Done():
		m.logger.Warn("maintenance stop timed out")
	}
}

func (m *Maintenance) sweep() {
	removed, err := m.store.SweepPartials(m.cfg.PartialTTL, m.mgr.LiveRequestIDs())
	if err != nil {
		m.logger.Error("sweeping partial files", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("orphaned partial files removed", "count", removed)
	}
}
