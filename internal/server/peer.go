// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// ErrPeerClosed é retornado por Send quando o transport está fechado ou fechando.
var ErrPeerClosed = errors.New("peer transport closed")

const (
	// writeWait é o deadline de cada escrita no WebSocket.
	writeWait = 10 * time.Second

	// outboundQueueSize é a capacidade da fila de saída por peer.
	outboundQueueSize = 256

	// malformedThreshold fecha o transport quando excedido dentro de malformedWindow.
	malformedThreshold = 5
	malformedWindow    = 10 * time.Second
)

// Peer é o transport de um único WebSocket. Uma goroutine de leitura
// entrega frames decodificados ao hub; uma goroutine de escrita serializa
// a fila de saída. Escritas para um peer são estritamente ordenadas.
type Peer struct {
	conn   *websocket.Conn
	logger *slog.Logger

	outbound chan []byte
	closed   chan struct{}

	closeOnce sync.Once

	// awaitingPong marca uma sonda de liveness sem resposta.
	awaitingPong atomic.Bool

	// heartbeatOnce garante uma única goroutine de sonda por peer.
	heartbeatOnce sync.Once

	mu             sync.Mutex
	malformedTimes []time.Time
}

// newPeer cria um Peer sobre uma conexão WebSocket aceita.
func newPeer(conn *websocket.Conn, logger *slog.Logger) *Peer {
	return &Peer{
		conn:     conn,
		logger:   logger,
		outbound: make(chan []byte, outboundQueueSize),
		closed:   make(chan struct{}),
	}
}

// Send codifica e enfileira uma mensagem para o peer. A entrega segue a
// ordem de chamada. Retorna ErrPeerClosed se o transport está fechado ou
// a fila está saturada.
func (p *Peer) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}

	select {
	case p.outbound <- data:
		return nil
	case <-p.closed:
		return ErrPeerClosed
	default:
		// Fila saturada: o peer não está drenando. Trata como desconectado.
		p.logger.Warn("outbound queue full, closing transport")
		p.Close()
		return ErrPeerClosed
	}
}

// Close encerra o transport. Idempotente.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
	return nil
}

// RemoteAddr retorna o endereço remoto do peer.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// writeLoop drena a fila de saída serializando as escritas no WebSocket.
func (p *Peer) writeLoop() {
	for {
		select {
		case data := <-p.outbound:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("write failed, closing transport", "error", err)
				p.Close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

// readLoop lê frames do WebSocket, decodifica via protocol e entrega ao
// handler. Bloqueia até o transport fechar.
func (p *Peer) readLoop(handle func(protocol.Message), onMalformed func(error) bool, onClose func()) {
	defer onClose()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.logger.Debug("read failed, closing transport", "error", err)
			}
			p.Close()
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if fatal := onMalformed(err); fatal {
				p.Close()
				return
			}
			continue
		}

		handle(msg)
	}
}

// recordMalformed registra um frame malformado e retorna true quando o
// threshold é atingido: o quinto frame dentro da janela de 10s fecha o
// transport.
func (p *Peer) recordMalformed() bool {
	now := time.Now()
	cutoff := now.Add(-malformedWindow)

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.malformedTimes[:0]
	for _, t := range p.malformedTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.malformedTimes = append(kept, now)

	return len(p.malformedTimes) >= malformedThreshold
}

// startHeartbeat inicia a sonda de liveness: um Ping a cada interval.
// Se a sonda anterior não foi respondida quando a próxima dispara, o
// transport é terminado.
func (p *Peer) startHeartbeat(interval time.Duration) {
	p.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if p.awaitingPong.Load() {
						p.logger.Warn("liveness probe missed, terminating transport")
						p.Close()
						return
					}
					p.awaitingPong.Store(true)
					if err := p.Send(protocol.Ping{}); err != nil {
						return
					}
				case <-p.closed:
					return
				}
			}
		}()
	})
}

// pongReceived limpa a sonda pendente.
func (p *Peer) pongReceived() {
	p.awaitingPong.Store(false)
}
