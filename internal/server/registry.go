// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// ErrDuplicateClient é retornado por Promote quando o clientId já está conectado.
var ErrDuplicateClient = errors.New("clientId already registered")

// Transport é a referência opaca do registry para o canal do peer.
// O hub é o dono dos transports; o registry guarda só o handle.
type Transport interface {
	Send(msg protocol.Message) error
	Close() error
	RemoteAddr() string
}

// ClientStatus é o estado de conexão de um registro.
type ClientStatus string

// Estados de conexão.
const (
	StatusConnected    ClientStatus = "connected"
	StatusDisconnected ClientStatus = "disconnected"
)

// ClientRecord é a identidade de um peer registrado.
type ClientRecord struct {
	ClientID        string
	Transport       Transport
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	Status          ClientStatus
	Metadata        map[string]string
}

// ClientView é o snapshot read-only de um registro, como exposto
// pelo control plane.
type ClientView struct {
	ClientID        string            `json:"clientId"`
	RemoteAddr      string            `json:"remoteAddr"`
	ConnectedAt     time.Time         `json:"connectedAt"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt"`
	Status          ClientStatus      `json:"status"`
	Metadata        map[string]string `json:"metadata"`
}

// pendingConn é um transport aberto que ainda não enviou Register.
type pendingConn struct {
	transport Transport
	openedAt  time.Time
}

// Registry rastreia peers conectados por clientId. Invariante: no máximo
// um registro connected por clientId a cada instante. Toda mutação passa
// pelo mutex; leituras retornam snapshots.
type Registry struct {
	mu      sync.Mutex
	pending map[string]pendingConn   // tempId → conexão não registrada
	clients map[string]*ClientRecord // clientId → registro
}

// NewRegistry cria um registry vazio.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]pendingConn),
		clients: make(map[string]*ClientRecord),
	}
}

// Attach registra uma conexão pendente e retorna o tempId mintado.
func (r *Registry) Attach(t Transport) string {
	tempID := uuid.NewString()
	r.mu.Lock()
	r.pending[tempID] = pendingConn{transport: t, openedAt: time.Now()}
	r.mu.Unlock()
	return tempID
}

// Promote move uma conexão pendente para o mapa de registrados.
// Retorna ErrDuplicateClient se o clientId já está connected; o caller
// decide se desloca o holder atual (last writer wins).
func (r *Registry) Promote(tempID, clientID string, metadata map[string]string) error {
	if err := validateClientID(clientID); err != nil {
		return fmt.Errorf("invalid clientId: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pc, ok := r.pending[tempID]
	if !ok {
		return fmt.Errorf("unknown pending connection %s", tempID)
	}

	if existing, ok := r.clients[clientID]; ok && existing.Status == StatusConnected {
		return ErrDuplicateClient
	}

	delete(r.pending, tempID)
	now := time.Now()
	r.clients[clientID] = &ClientRecord{
		ClientID:        clientID,
		Transport:       pc.transport,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Status:          StatusConnected,
		Metadata:        metadata,
	}

	return nil
}

// Displace força o fechamento do holder atual de clientId e o remove.
// Retorna o transport fechado, ou nil se não havia holder.
func (r *Registry) Displace(clientID string) Transport {
	r.mu.Lock()
	rec, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	// Close fora do lock: pode bloquear em I/O
	rec.Transport.Close()
	return rec.Transport
}

// DetachPending descarta uma conexão pendente (transport fechou antes do Register).
func (r *Registry) DetachPending(tempID string) {
	r.mu.Lock()
	delete(r.pending, tempID)
	r.mu.Unlock()
}

// Detach remove um registro no fechamento do transport. Só remove se o
// transport atual do registro for o mesmo: um registro deslocado por
// re-registração não derruba o novo holder.
func (r *Registry) Detach(clientID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok || rec.Transport != t {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// Lookup retorna um snapshot do registro, se conectado.
func (r *Registry) Lookup(clientID string) (*ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	snapshot := *rec
	return &snapshot, true
}

// List retorna snapshots de todos os registros, ordenados por clientId.
func (r *Registry) List() []ClientView {
	r.mu.Lock()
	views := make([]ClientView, 0, len(r.clients))
	for _, rec := range r.clients {
		views = append(views, rec.view())
	}
	r.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ClientID < views[j].ClientID })
	return views
}

// View retorna o snapshot de um registro para o control plane.
func (r *Registry) View(clientID string) (ClientView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return ClientView{}, false
	}
	return rec.view(), true
}

// TouchHeartbeat atualiza lastHeartbeatAt do registro.
func (r *Registry) TouchHeartbeat(clientID string) {
	r.mu.Lock()
	if rec, ok := r.clients[clientID]; ok {
		rec.LastHeartbeatAt = time.Now()
	}
	r.mu.Unlock()
}

// Count retorna o número de clients registrados.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// PendingCount retorna o número de conexões ainda não registradas.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (rec *ClientRecord) view() ClientView {
	meta := make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	return ClientView{
		ClientID:        rec.ClientID,
		RemoteAddr:      rec.Transport.RemoteAddr(),
		ConnectedAt:     rec.ConnectedAt,
		LastHeartbeatAt: rec.LastHeartbeatAt,
		Status:          rec.Status,
		Metadata:        meta,
	}
}
