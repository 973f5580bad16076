// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// monitorInterval é o período de coleta das métricas de sistema.
const monitorInterval = 15 * time.Second

// SystemStats agrega as métricas coletadas do host.
type SystemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// SystemMonitor coleta métricas do host em background. O uso de disco é
// medido no filesystem do base_dir servido, não na raiz.
type SystemMonitor struct {
	diskPath string
	logger   *slog.Logger
	close    chan struct{}
	wg       sync.WaitGroup
	stats    SystemStats
	mu       sync.RWMutex
}

// NewSystemMonitor cria o monitor. diskPath vazio mede a raiz.
func NewSystemMonitor(diskPath string, logger *slog.Logger) *SystemMonitor {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemMonitor{
		diskPath: diskPath,
		logger:   logger.With("component", "system_monitor"),
		close:    make(chan struct{}),
	}
}

// Start inicia a coleta periódica.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop encerra o monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats retorna o último snapshot coletado.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	// Coleta inicial antes do primeiro tick
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(sm.diskPath); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.diskPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
