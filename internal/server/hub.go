// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// Hub é o dono dos transports WebSocket abertos. Aceita conexões, entrega
// conexões pendentes ao registry, roteia frames decodificados (Register →
// registry, Ping/Pong → liveness, mensagens com requestId → manager) e
// fornece Send(clientId, msg) com escrita serializada por peer.
type Hub struct {
	registry *Registry
	manager  *Manager
	events   *EventRing
	logger   *slog.Logger
	cfg      *config.ServerConfig

	upgrader websocket.Upgrader

	activeConns atomic.Int32
	trafficIn   atomic.Int64
}

// NewHub cria o hub de transports. O manager é ligado depois via SetManager
// (dependência mútua dentro do pacote).
func NewHub(registry *Registry, events *EventRing, cfg *config.ServerConfig, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		events:   events,
		logger:   logger.With("component", "hub"),
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Chunks já chegam como base64 de bytes opacos: comprimir de
			// novo só gasta CPU.
			EnableCompression: false,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
	}
}

// SetManager liga o transfer manager ao hub.
func (h *Hub) SetManager(m *Manager) {
	h.manager = m
}

// Send entrega uma mensagem ao peer registrado como clientId. Escritas para
// um mesmo peer são ordenadas. Retorna CLIENT_NOT_CONNECTED quando o peer
// está ausente ou o transport está fechando.
func (h *Hub) Send(clientID string, msg protocol.Message) error {
	rec, ok := h.registry.Lookup(clientID)
	if !ok {
		return protocol.NewError(protocol.KindClientNotConnected,
			fmt.Sprintf("client %s is not connected", clientID))
	}

	if err := rec.Transport.Send(msg); err != nil {
		return protocol.WrapError(protocol.KindClientNotConnected,
			fmt.Sprintf("client %s transport is closing", clientID), err)
	}
	return nil
}

// ActiveConns retorna o número de transports abertos.
func (h *Hub) ActiveConns() int32 {
	return h.activeConns.Load()
}

// TrafficIn retorna o total de bytes de payload recebidos em chunks.
func (h *Hub) TrafficIn() int64 {
	return h.trafficIn.Load()
}

// connState acompanha a identidade de uma conexão durante o seu ciclo de vida.
type connState struct {
	mu       sync.Mutex
	tempID   string
	clientID string
}

func (cs *connState) identity() (string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.clientID, cs.clientID != ""
}

// ServeWS é o http.Handler do listener WebSocket. Faz o upgrade, registra a
// conexão como pendente e bloqueia no read loop até o transport fechar.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Um chunk base64 de ChunkSize bytes ocupa ~4/3 disso no wire.
	conn.SetReadLimit(h.cfg.Transfer.ChunkSize*2 + 64*1024)

	logger := h.logger.With("remote", conn.RemoteAddr().String())
	peer := newPeer(conn, logger)
	state := &connState{tempID: h.registry.Attach(peer)}

	h.activeConns.Add(1)
	logger.Debug("transport accepted", "tempId", state.tempID)

	// Conexão que não registra dentro do deadline é descartada.
	regTimer := time.AfterFunc(h.cfg.WS.RegistrationDeadline, func() {
		if _, registered := state.identity(); !registered {
			logger.Warn("registration deadline expired, closing transport")
			peer.Close()
		}
	})

	go peer.writeLoop()

	peer.readLoop(
		func(msg protocol.Message) { h.route(peer, state, logger, msg) },
		func(decodeErr error) bool { return h.onMalformed(peer, logger, decodeErr) },
		func() { h.onClose(peer, state, logger, regTimer) },
	)
}

// route despacha um frame decodificado conforme o tipo.
func (h *Hub) route(peer *Peer, state *connState, logger *slog.Logger, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Register:
		h.handleRegister(peer, state, logger, m)

	case *protocol.Ping:
		if clientID, ok := state.identity(); ok {
			h.registry.TouchHeartbeat(clientID)
		}
		peer.Send(protocol.Pong{})

	case *protocol.Pong:
		peer.pongReceived()
		if clientID, ok := state.identity(); ok {
			h.registry.TouchHeartbeat(clientID)
		}

	case *protocol.DownloadRequest:
		// DownloadRequest é exclusivamente server → peer.
		peer.Send(protocol.NewError(protocol.KindInvalidRequest,
			"DOWNLOAD_REQUEST is not accepted from peers").ToMessage())

	case *protocol.RegisterAck:
		peer.Send(protocol.NewError(protocol.KindInvalidRequest,
			"REGISTER_ACK is not accepted from peers").ToMessage())

	case *protocol.Chunk:
		h.trafficIn.Add(int64(len(m.Payload)))
		h.routeSessionMessage(peer, state, msg)

	case *protocol.DownloadAck, *protocol.CancelDownload, *protocol.ErrorMessage:
		h.routeSessionMessage(peer, state, msg)

	default:
		peer.Send(protocol.NewError(protocol.KindInvalidRequest,
			fmt.Sprintf("unexpected message type %s", msg.Type())).ToMessage())
	}
}

// routeSessionMessage entrega mensagens de sessão ao manager. Conexões não
// registradas não participam de sessões.
func (h *Hub) routeSessionMessage(peer *Peer, state *connState, msg protocol.Message) {
	clientID, registered := state.identity()
	if !registered {
		peer.Send(protocol.NewError(protocol.KindInvalidRequest,
			"register before sending session messages").ToMessage())
		return
	}
	h.manager.HandleInbound(clientID, msg)
}

// handleRegister promove a conexão pendente. Colisão de clientId desloca o
// holder atual (last writer wins): o transport antigo é fechado e as suas
// sessões falham com CLIENT_NOT_CONNECTED.
func (h *Hub) handleRegister(peer *Peer, state *connState, logger *slog.Logger, m *protocol.Register) {
	state.mu.Lock()
	if state.clientID != "" {
		state.mu.Unlock()
		peer.Send(protocol.NewError(protocol.KindInvalidRequest,
			"connection is already registered").ToMessage())
		return
	}
	tempID := state.tempID
	state.mu.Unlock()

	metadata := map[string]string{}
	if m.Version != "" {
		metadata["version"] = m.Version
	}
	if m.Hostname != "" {
		metadata["hostname"] = m.Hostname
	}
	if m.Platform != "" {
		metadata["platform"] = m.Platform
	}

	err := h.registry.Promote(tempID, m.ClientID, metadata)
	if err == ErrDuplicateClient {
		logger.Info("displacing previous registration", "clientId", m.ClientID)
		h.events.PushEvent("warn", "displace", m.ClientID, "",
			"previous transport displaced by re-registration")

		h.registry.Displace(m.ClientID)
		h.manager.PeerDisconnected(m.ClientID)
		err = h.registry.Promote(tempID, m.ClientID, metadata)
	}
	if err != nil {
		logger.Warn("registration rejected", "clientId", m.ClientID, "error", err)
		peer.Send(protocol.RegisterAck{Success: false, Message: err.Error()})
		peer.Close()
		return
	}

	state.mu.Lock()
	state.clientID = m.ClientID
	state.mu.Unlock()

	logger.Info("client registered", "clientId", m.ClientID, "version", m.Version, "platform", m.Platform)
	h.events.PushEvent("info", "register", m.ClientID, "", "client registered")

	peer.Send(protocol.RegisterAck{Success: true, Message: "registered"})
	peer.startHeartbeat(h.cfg.Transfer.HeartbeatInterval)
}

// onMalformed responde a um frame que não decodifica. Frames malformados
// repetidos (5 em 10s) fecham o transport.
func (h *Hub) onMalformed(peer *Peer, logger *slog.Logger, decodeErr error) bool {
	logger.Warn("malformed frame", "error", decodeErr)
	peer.Send(protocol.WrapError(protocol.KindInvalidRequest,
		"malformed message", decodeErr).ToMessage())

	if peer.recordMalformed() {
		logger.Warn("malformed frame threshold exceeded, closing transport")
		return true
	}
	return false
}

// onClose limpa o estado da conexão quando o transport fecha.
func (h *Hub) onClose(peer *Peer, state *connState, logger *slog.Logger, regTimer *time.Timer) {
	regTimer.Stop()
	h.activeConns.Add(-1)

	clientID, registered := state.identity()
	if !registered {
		h.registry.DetachPending(state.tempID)
		logger.Debug("pending transport closed")
		return
	}

	// Detach só remove se este transport ainda é o holder: um registro
	// deslocado não derruba o novo.
	if h.registry.Detach(clientID, peer) {
		logger.Info("client disconnected", "clientId", clientID)
		h.events.PushEvent("info", "disconnect", clientID, "", "client disconnected")
		h.manager.PeerDisconnected(clientID)
	}
}
