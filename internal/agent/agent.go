// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agent implementa o peer do protocolo (nfetch-agent): conecta ao
// server via WebSocket, registra-se pelo clientId e serve arquivos em
// chunks com SHA-256 por chunk.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/pki"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

const (
	// registerTimeout é quanto o agent espera pelo RegisterAck.
	registerTimeout = 10 * time.Second

	// writeWait é o deadline de cada escrita no WebSocket.
	writeWait = 10 * time.Second

	// outboundQueueSize é a capacidade da fila de saída.
	outboundQueueSize = 64

	// statsLogInterval é o período do log de métricas de sistema.
	statsLogInterval = 5 * time.Minute
)

// Agent é o daemon do lado do peer. Mantém uma conexão com o server,
// reconectando com exponential backoff, e despacha as mensagens recebidas
// para o downloader.
type Agent struct {
	cfg     *config.AgentConfig
	logger  *slog.Logger
	monitor *SystemMonitor
}

// New cria o agent.
func New(cfg *config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		logger:  logger.With("clientId", cfg.Agent.ID),
		monitor: NewSystemMonitor(cfg.Serve.BaseDir, logger),
	}
}

// Run conecta ao server e bloqueia até o context ser cancelado. Quedas de
// conexão disparam reconexão com backoff exponencial limitado por
// retry.max_delay; retry.max_attempts 0 reconecta para sempre.
func (a *Agent) Run(ctx context.Context) error {
	a.monitor.Start()
	defer a.monitor.Stop()

	attempt := 0
	for {
		err := a.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		if a.cfg.Retry.MaxAttempts > 0 && attempt >= a.cfg.Retry.MaxAttempts {
			return fmt.Errorf("giving up after %d connection attempts: %w", attempt, err)
		}

		delay := a.backoff(attempt)
		a.logger.Warn("connection lost, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// backoff calcula o delay da reconexão: initial_delay · 2^(n-1), limitado
// por max_delay.
func (a *Agent) backoff(attempt int) time.Duration {
	delay := a.cfg.Retry.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.cfg.Retry.MaxDelay {
			return a.cfg.Retry.MaxDelay
		}
	}
	if delay > a.cfg.Retry.MaxDelay {
		return a.cfg.Retry.MaxDelay
	}
	return delay
}

// runConnection executa uma sessão completa: dial, Register, dispatch.
// Retorna quando a conexão cai ou o context é cancelado.
func (a *Agent) runConnection(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}

	sess := &session{
		agent:    a,
		conn:     conn,
		outbound: make(chan []byte, outboundQueueSize),
		closed:   make(chan struct{}),
	}
	sess.downloader = newDownloader(a.cfg, sess.send, a.logger)

	defer sess.close()
	defer sess.downloader.shutdown()

	go sess.writeLoop()

	// Context cancelado derruba a conexão e destrava o read loop.
	go func() {
		select {
		case <-ctx.Done():
			sess.close()
		case <-sess.closed:
		}
	}()

	if err := a.register(sess); err != nil {
		return err
	}

	a.logger.Info("connected and registered", "server", a.cfg.Server.URL)

	statsTicker := time.NewTicker(statsLogInterval)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-statsTicker.C:
				stats := a.monitor.Stats()
				a.logger.Info("agent stats",
					"cpu_percent", stats.CPUPercent,
					"memory_percent", stats.MemoryPercent,
					"disk_percent", stats.DiskUsagePercent,
					"load_avg", stats.LoadAverage,
					"active_transfers", sess.downloader.activeCount(),
				)
			case <-sess.closed:
				return
			}
		}
	}()

	return sess.readLoop(ctx)
}

// dial abre o WebSocket, com TLS quando a URL é wss:// e marcação DSCP
// quando configurada.
func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: false,
	}

	dscp, err := ParseDSCP(a.cfg.Network.DSCP)
	if err != nil {
		return nil, fmt.Errorf("configuring DSCP: %w", err)
	}
	if dscp != 0 {
		dialer.NetDialContext = dscpDialContext(dscp, a.cfg.Network.DSCP, a.logger)
	}

	if strings.HasPrefix(a.cfg.Server.URL, "wss://") {
		tlsCfg, err := pki.NewClientTLSConfig(a.cfg.TLS.CACert, a.cfg.TLS.ClientCert, a.cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, a.cfg.Server.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", a.cfg.Server.URL, err)
	}
	return conn, nil
}

// register envia o Register com os metadados do host e aguarda o RegisterAck.
func (a *Agent) register(sess *session) error {
	reg := protocol.Register{
		ClientID: a.cfg.Agent.ID,
		Version:  a.agentVersion(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, err := host.Info(); err == nil {
		reg.Hostname = info.Hostname
		reg.Platform = info.Platform + " " + info.PlatformVersion
	}

	if err := sess.send(reg); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	sess.conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer sess.conn.SetReadDeadline(time.Time{})

	_, data, err := sess.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for register ack: %w", err)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding register ack: %w", err)
	}

	ack, ok := msg.(*protocol.RegisterAck)
	if !ok {
		return fmt.Errorf("expected REGISTER_ACK, got %s", msg.Type())
	}
	if !ack.Success {
		return fmt.Errorf("registration rejected: %s", ack.Message)
	}

	return nil
}

func (a *Agent) agentVersion() string {
	if a.cfg.Agent.Version != "" {
		return a.cfg.Agent.Version
	}
	return Version
}

// session é uma conexão viva com o server: fila de saída serializada e
// read loop de despacho.
type session struct {
	agent      *Agent
	conn       *websocket.Conn
	downloader *Downloader

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// send codifica e enfileira uma mensagem. As escritas seguem a ordem das
// chamadas.
func (s *session) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.closed:
		return fmt.Errorf("connection closed")
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *session) writeLoop() {
	for {
		select {
		case data := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop despacha mensagens do server até a conexão cair.
func (s *session) readLoop(ctx context.Context) error {
	logger := s.agent.logger

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from server: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("malformed message from server", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ping:
			s.send(protocol.Pong{})

		case *protocol.Pong:
			// resposta a um ping nosso; nada a fazer

		case *protocol.DownloadRequest:
			s.downloader.handleRequest(ctx, m)

		case *protocol.RetryChunk:
			s.downloader.handleRetry(ctx, m)

		case *protocol.CancelDownload:
			s.downloader.handleCancel(m)

		case *protocol.ErrorMessage:
			logger.Warn("error from server", "code", m.Code, "message", m.Message)

		default:
			logger.Warn("unexpected message from server", "type", msg.Type())
		}
	}
}
