// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor de transferências (nfetch-server):
// registry de clients, hub de transports WebSocket, transfer manager e a
// infraestrutura de manutenção.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/pki"
)

// eventRingCapacity é o tamanho do ring de eventos operacionais.
const eventRingCapacity = 256

// shutdownGrace é o tempo máximo de drain no shutdown dos listeners.
const shutdownGrace = 5 * time.Second

// Server agrega os componentes do nfetch-server. A composição com o
// control plane HTTP acontece no main: Run recebe o handler já montado.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	registry    *Registry
	events      *EventRing
	hub         *Hub
	store       *DownloadStore
	manager     *Manager
	maintenance *Maintenance
	stats       *StatsReporter
	mirror      *S3Mirror
}

// New monta os componentes do server a partir da configuração.
func New(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	store, err := NewDownloadStore(cfg.Download.Dir)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	events := NewEventRing(eventRingCapacity)
	hub := NewHub(registry, events, cfg, logger)
	manager := NewManager(registry, hub, store, cfg.Transfer, events, logger)
	manager.SetSessionLogDir(cfg.Logging.SessionDir)
	hub.SetManager(manager)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		events:   events,
		hub:      hub,
		store:    store,
		manager:  manager,
	}

	if cfg.S3Mirror.Enabled {
		mirror, err := NewS3Mirror(ctx, cfg.S3Mirror, logger)
		if err != nil {
			return nil, fmt.Errorf("configuring s3 mirror: %w", err)
		}
		s.mirror = mirror
	}

	manager.SetCompletedHook(s.onDownloadCompleted)

	maintenance, err := NewMaintenance(store, manager, cfg.Maintenance, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring maintenance sweep: %w", err)
	}
	s.maintenance = maintenance
	s.stats = NewStatsReporter(hub, registry, manager, logger)

	return s, nil
}

// Manager expõe o transfer manager para o control plane.
func (s *Server) Manager() *Manager { return s.manager }

// Registry expõe o registry para o control plane.
func (s *Server) Registry() *Registry { return s.registry }

// Events expõe o ring de eventos para o control plane.
func (s *Server) Events() *EventRing { return s.events }

// Hub expõe o hub para métricas do control plane.
func (s *Server) Hub() *Hub { return s.hub }

// onDownloadCompleted roda o pipeline pós-commit: compressão at-rest e
// espelhamento S3, ambos best-effort em relação à sessão já completed.
func (s *Server) onDownloadCompleted(requestID, finalPath string) {
	path := finalPath

	if s.cfg.Download.ArchiveMode != "none" {
		archived, err := ArchiveFile(path, s.cfg.Download.ArchiveMode)
		if err != nil {
			s.logger.Error("archiving completed download", "requestId", requestID, "error", err)
		} else {
			s.logger.Info("download archived", "requestId", requestID, "path", archived)
			path = archived
		}
	}

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.mirror.Upload(ctx, path); err != nil {
			s.logger.Error("mirroring completed download", "requestId", requestID, "error", err)
		}
	}
}

// Run sobe os dois listeners (control plane e WebSocket) e bloqueia até o
// context ser cancelado. controlHandler é o router do control plane já
// montado (inclusive CORS).
func (s *Server) Run(ctx context.Context, controlHandler http.Handler) error {
	ctrlLn, err := net.Listen("tcp", s.cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Control.Listen, err)
	}

	wsLn, err := net.Listen("tcp", s.cfg.WS.Listen)
	if err != nil {
		ctrlLn.Close()
		return fmt.Errorf("listening on %s: %w", s.cfg.WS.Listen, err)
	}

	return s.RunWithListeners(ctx, ctrlLn, wsLn, controlHandler)
}

// RunWithListeners sobe o server com listeners já existentes (para testes).
func (s *Server) RunWithListeners(ctx context.Context, ctrlLn, wsLn net.Listener, controlHandler http.Handler) error {
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("GET /ws", s.hub.ServeWS)

	wsServer := &http.Server{Handler: wsMux}
	if s.cfg.TLS.Enabled() {
		tlsCfg, err := pki.NewServerTLSConfig(s.cfg.TLS.CACert, s.cfg.TLS.ServerCert, s.cfg.TLS.ServerKey)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		wsServer.TLSConfig = tlsCfg
	}

	ctrlServer := &http.Server{
		Handler:      controlHandler,
		ReadTimeout:  s.cfg.Control.ReadTimeout,
		WriteTimeout: s.cfg.Control.WriteTimeout,
		IdleTimeout:  s.cfg.Control.IdleTimeout,
	}

	s.maintenance.Start()
	s.stats.Start()

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("control plane listening", "address", ctrlLn.Addr().String())
		if err := ctrlServer.Serve(ctrlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("websocket listener ready", "address", wsLn.Addr().String(), "tls", s.cfg.TLS.Enabled())
		var err error
		if s.cfg.TLS.Enabled() {
			err = wsServer.ServeTLS(wsLn, "", "")
		} else {
			err = wsServer.Serve(wsLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	wsServer.Shutdown(shutdownCtx)
	ctrlServer.Shutdown(shutdownCtx)
	s.stats.Stop()
	s.maintenance.Stop(shutdownCtx)

	s.logger.Info("server shutdown complete")
	return runErr
}
