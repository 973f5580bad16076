// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/logging"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// Sender entrega mensagens a um peer registrado. Implementado pelo Hub.
type Sender interface {
	Send(clientID string, msg protocol.Message) error
}

// Manager é o dono das sessões de transferência: dirige a máquina de
// estados, verifica chunks, aplica a política de retry e expõe status e
// cancelamento. Mutações de uma sessão são serializadas pelo mutex da
// própria sessão; a tabela tolera criação/remoção concorrente.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*TransferSession
	active   map[string]string // clientId+"\x00"+filePath → requestId não-terminal

	registry *Registry
	sender   Sender
	store    *DownloadStore
	cfg      config.TransferInfo
	events   *EventRing
	logger   *slog.Logger

	// completedHook roda em goroutine própria após cada download commitado
	// (compressão at-rest, espelhamento S3). Pode ser nil.
	completedHook func(requestID, finalPath string)

	// sessionLogDir habilita um arquivo de log por sessão. Vazio = desabilitado.
	sessionLogDir string
}

// NewManager cria o transfer manager.
func NewManager(registry *Registry, sender Sender, store *DownloadStore, cfg config.TransferInfo, events *EventRing, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*TransferSession),
		active:   make(map[string]string),
		registry: registry,
		sender:   sender,
		store:    store,
		cfg:      cfg,
		events:   events,
		logger:   logger.With("component", "manager"),
	}
}

// SetCompletedHook define o hook pós-completion (compressão/espelhamento).
func (m *Manager) SetCompletedHook(fn func(requestID, finalPath string)) {
	m.completedHook = fn
}

// SetSessionLogDir habilita arquivos de log por sessão em
// {dir}/{clientId}/{requestId}.log; o arquivo é removido quando a
// transferência completa com sucesso.
func (m *Manager) SetSessionLogDir(dir string) {
	m.sessionLogDir = dir
}

// sessionLog retorna o logger da sessão (global + arquivo dedicado), ou o
// logger do manager enquanto a sessão ainda não tem o seu.
func (m *Manager) sessionLog(s *TransferSession) *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return m.logger
}

func activeKey(clientID, filePath string) string {
	return clientID + "\x00" + filePath
}

// Start cria uma sessão para (clientId, filePath) e pede o arquivo ao peer.
func (m *Manager) Start(clientID, filePath string) (string, error) {
	if filePath == "" {
		return "", protocol.NewError(protocol.KindInvalidRequest, "filePath is required")
	}
	if _, ok := m.registry.Lookup(clientID); !ok {
		return "", protocol.NewError(protocol.KindClientNotConnected,
			fmt.Sprintf("client %s is not connected", clientID))
	}

	requestID := uuid.NewString()
	now := time.Now()
	s := &TransferSession{
		RequestID:       requestID,
		ClientID:        clientID,
		FilePath:        filePath,
		State:           StateRequested,
		ChunkSize:       m.cfg.ChunkSize,
		PerChunkRetries: make(map[int]int),
		chunkTimers:     make(map[int]*time.Timer),
		StartedAt:       now,
		UpdatedAt:       now,
	}

	key := activeKey(clientID, filePath)
	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		m.mu.Unlock()
		return "", protocol.NewError(protocol.KindDownloadInProgress,
			fmt.Sprintf("download of %s from %s already in progress", filePath, clientID)).
			WithDetail("requestId", existing)
	}
	m.sessions[requestID] = s
	m.active[key] = requestID
	m.mu.Unlock()

	s.mu.Lock()
	s.logger = m.logger
	if logger, closer, _, err := logging.NewSessionLogger(m.logger, m.sessionLogDir, clientID, requestID); err != nil {
		m.logger.Warn("opening session log file", "requestId", requestID, "error", err)
	} else {
		s.logger = logger
		s.logCloser = closer
	}
	s.logger.Info("transfer requested", "requestId", requestID, "clientId", clientID, "filePath", filePath)
	s.mu.Unlock()

	if err := m.sender.Send(clientID, protocol.DownloadRequest{RequestID: requestID, FilePath: filePath}); err != nil {
		s.mu.Lock()
		m.failLocked(s, protocol.WrapError(protocol.KindClientNotConnected,
			"delivering download request", err))
		s.mu.Unlock()
		return "", protocol.WrapError(protocol.KindClientNotConnected,
			fmt.Sprintf("client %s is not connected", clientID), err)
	}

	s.mu.Lock()
	if !s.State.Terminal() {
		s.ackTimer = time.AfterFunc(m.cfg.AckTimeout, func() { m.onAckTimeout(requestID) })
		s.deadlineTimer = time.AfterFunc(m.cfg.DownloadTimeout, func() { m.onSessionDeadline(requestID) })
	}
	s.mu.Unlock()

	return requestID, nil
}

// Get retorna o snapshot de uma sessão.
func (m *Manager) Get(requestID string) (SessionView, error) {
	s := m.session(requestID)
	if s == nil {
		return SessionView{}, protocol.NewError(protocol.KindFileNotFound,
			fmt.Sprintf("unknown requestId %s", requestID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// List retorna snapshots de todas as sessões, opcionalmente filtradas por estado.
func (m *Manager) List(status string) []SessionView {
	m.mu.Lock()
	all := make([]*TransferSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	views := make([]SessionView, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		view := s.snapshotLocked()
		s.mu.Unlock()
		if status != "" && string(view.Status) != status {
			continue
		}
		views = append(views, view)
	}
	return views
}

// Cancel marca a sessão como cancelled e avisa o peer. Sessões em estado
// terminal (inclusive já canceladas) retornam DOWNLOAD_IN_PROGRESS (409).
func (m *Manager) Cancel(requestID, reason string) error {
	s := m.session(requestID)
	if s == nil {
		return protocol.NewError(protocol.KindFileNotFound,
			fmt.Sprintf("unknown requestId %s", requestID))
	}

	s.mu.Lock()
	if s.State.Terminal() {
		state := s.State
		s.mu.Unlock()
		return protocol.NewError(protocol.KindDownloadInProgress,
			fmt.Sprintf("session is already terminal (%s)", state))
	}

	clientID := s.ClientID
	sendCancel := !s.cancelSent
	s.cancelSent = true
	m.sessionLog(s).Info("transfer cancelled", "requestId", requestID, "reason", reason)
	m.terminateLocked(s, StateCancelled)
	s.mu.Unlock()

	m.events.PushEvent("info", "transfer_cancelled", clientID, requestID, reason)

	if sendCancel {
		if err := m.sender.Send(clientID, protocol.CancelDownload{RequestID: requestID, Reason: reason}); err != nil {
			m.logger.Debug("delivering cancel to peer", "requestId", requestID, "error", err)
		}
	}
	return nil
}

// HandleInbound processa mensagens de protocolo ligadas a sessões,
// entregues pelo hub na ordem em que chegaram no transport.
func (m *Manager) HandleInbound(clientID string, msg protocol.Message) {
	switch v := msg.(type) {
	case *protocol.DownloadAck:
		m.handleAck(clientID, v)
	case *protocol.Chunk:
		m.handleChunk(clientID, v)
	case *protocol.CancelDownload:
		m.handlePeerCancel(clientID, v)
	case *protocol.ErrorMessage:
		m.handlePeerError(clientID, v)
	default:
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			fmt.Sprintf("unexpected session message %s", msg.Type())))
	}
}

// PeerDisconnected falha todas as sessões não-terminais do peer.
func (m *Manager) PeerDisconnected(clientID string) {
	m.mu.Lock()
	affected := make([]*TransferSession, 0)
	for _, s := range m.sessions {
		if s.ClientID == clientID {
			affected = append(affected, s)
		}
	}
	m.mu.Unlock()

	for _, s := range affected {
		s.mu.Lock()
		if !s.State.Terminal() {
			requestID := s.RequestID
			m.failLocked(s, protocol.NewError(protocol.KindClientNotConnected,
				"peer disconnected mid-transfer"))
			s.mu.Unlock()
			m.logger.Warn("session failed on peer disconnect", "requestId", requestID, "clientId", clientID)
			continue
		}
		s.mu.Unlock()
	}
}

// ActiveSessions retorna o número de sessões não-terminais.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	all := make([]*TransferSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range all {
		s.mu.Lock()
		if !s.State.Terminal() {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// SessionCount retorna o total de sessões retidas (inclusive terminais).
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// LiveRequestIDs retorna os requestIds com sessão ainda retida, para a
// varredura de .partial órfãos não remover arquivos de sessões vivas.
func (m *Manager) LiveRequestIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(m.sessions))
	for id := range m.sessions {
		ids[id] = true
	}
	return ids
}

func (m *Manager) session(requestID string) *TransferSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[requestID]
}

// handleAck dimensiona a sessão a partir do DownloadAck do peer.
func (m *Manager) handleAck(clientID string, ack *protocol.DownloadAck) {
	s := m.session(ack.RequestID)
	if s == nil {
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			fmt.Sprintf("unknown requestId %s", ack.RequestID)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ClientID != clientID {
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			"requestId belongs to another client"))
		return
	}
	if s.State.Terminal() {
		if s.State != StateCancelled {
			m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
				fmt.Sprintf("session %s is already %s", s.RequestID, s.State)))
		}
		return
	}
	if s.State != StateRequested {
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			fmt.Sprintf("unexpected DOWNLOAD_ACK in state %s", s.State)))
		return
	}

	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = "peer rejected download request"
		}
		m.failLocked(s, protocol.NewError(protocol.KindFileNotFound, msg))
		return
	}

	// Validação semântica: o ack precisa dimensionar a sessão de forma consistente.
	if ack.FileSize < 0 || ack.TotalChunks < 1 || ack.FileChecksum == "" {
		m.failLocked(s, protocol.NewError(protocol.KindInvalidRequest,
			"malformed DOWNLOAD_ACK dimensions").
			WithDetail("fileSize", ack.FileSize).
			WithDetail("totalChunks", ack.TotalChunks))
		return
	}
	if ack.FileSize > 0 {
		expected := int((ack.FileSize + s.ChunkSize - 1) / s.ChunkSize)
		if ack.TotalChunks != expected {
			m.failLocked(s, protocol.NewError(protocol.KindInvalidRequest,
				"totalChunks inconsistent with fileSize").
				WithDetail("totalChunks", ack.TotalChunks).
				WithDetail("expected", expected))
			return
		}
	}

	assembler, err := NewAssembler(m.store, s.RequestID, s.ChunkSize, m.sessionLog(s).With("requestId", s.RequestID))
	if err != nil {
		m.failLocked(s, protocol.WrapError(protocol.KindFileReadError,
			"creating assembly buffer", err))
		return
	}

	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}

	s.FileSize = ack.FileSize
	s.TotalChunks = ack.TotalChunks
	s.FileChecksum = strings.ToLower(ack.FileChecksum)
	s.Chunks = make([]ChunkRecord, ack.TotalChunks)
	for i := range s.Chunks {
		s.Chunks[i].State = ChunkPending
	}
	s.assembler = assembler
	s.State = StateAcknowledged
	s.UpdatedAt = time.Now()

	m.sessionLog(s).Info("transfer acknowledged", "requestId", s.RequestID,
		"fileSize", ack.FileSize, "totalChunks", ack.TotalChunks)
}

// handleChunk verifica e persiste um chunk recebido.
func (m *Manager) handleChunk(clientID string, chunk *protocol.Chunk) {
	// O digest roda fora do caminho serial da sessão: um chunk grande não
	// atrasa as outras sessões.
	sum := sha256.Sum256(chunk.Payload)
	digest := hex.EncodeToString(sum[:])

	s := m.session(chunk.RequestID)
	if s == nil {
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			fmt.Sprintf("unknown requestId %s", chunk.RequestID)))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ClientID != clientID {
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			"requestId belongs to another client"))
		return
	}
	if s.State.Terminal() {
		// Sessão cancelada: o peer já recebeu CancelDownload; chunks
		// atrasados são descartados em silêncio.
		if s.State != StateCancelled {
			m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
				fmt.Sprintf("session %s is already %s", s.RequestID, s.State)))
		}
		return
	}
	if s.State != StateAcknowledged && s.State != StateStreaming {
		m.sendError(clientID, protocol.NewError(protocol.KindInvalidRequest,
			fmt.Sprintf("unexpected CHUNK in state %s", s.State)))
		return
	}

	// Índice fora de [0, totalChunks): não derruba a sessão de imediato,
	// mas consome o mesmo budget dos retries.
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= s.TotalChunks {
		s.rangeViolations++
		m.sendError(clientID, protocol.NewError(protocol.KindChunkTransferFailed,
			fmt.Sprintf("chunkIndex %d out of range [0,%d)", chunk.ChunkIndex, s.TotalChunks)).
			WithDetail("requestId", s.RequestID))
		if s.rangeViolations > m.cfg.MaxChunkRetryAttempts {
			m.failLocked(s, protocol.NewError(protocol.KindChunkTransferFailed,
				"chunk index out of range beyond retry budget"))
		}
		return
	}

	// Tamanho do payload precisa bater com a posição do chunk: ChunkSize
	// para todos menos o último, o resto do arquivo para o último. Um
	// payload fora do tamanho com checksum válido escreveria por cima de
	// bytes vizinhos já verificados; é rejeitado aqui, consumindo o mesmo
	// budget dos índices fora de range.
	expectedSize := s.ChunkSize
	if chunk.ChunkIndex == s.TotalChunks-1 {
		expectedSize = s.FileSize - int64(s.TotalChunks-1)*s.ChunkSize
	}
	if int64(len(chunk.Payload)) != expectedSize {
		s.rangeViolations++
		m.sendError(clientID, protocol.NewError(protocol.KindChunkTransferFailed,
			fmt.Sprintf("chunk %d payload is %d bytes, want %d", chunk.ChunkIndex, len(chunk.Payload), expectedSize)).
			WithDetail("requestId", s.RequestID))
		if s.rangeViolations > m.cfg.MaxChunkRetryAttempts {
			m.failLocked(s, protocol.NewError(protocol.KindChunkTransferFailed,
				"ill-sized chunk payloads beyond retry budget"))
		}
		return
	}

	rec := &s.Chunks[chunk.ChunkIndex]

	// Segunda entrega de um chunk já verificado: idempotente, logado,
	// não conta nos retry stats.
	if rec.State == ChunkVerified {
		m.sessionLog(s).Debug("duplicate chunk ignored", "requestId", s.RequestID, "chunkIndex", chunk.ChunkIndex)
		return
	}

	rec.LastAttemptAt = time.Now()

	// Primeiro chunk (bom ou não) move a sessão para streaming.
	if s.State == StateAcknowledged {
		s.State = StateStreaming
	}

	if digest != strings.ToLower(chunk.Checksum) {
		m.handleChunkMismatchLocked(s, chunk.ChunkIndex)
		return
	}

	if err := s.assembler.WriteChunk(chunk.ChunkIndex, chunk.Payload); err != nil {
		m.failLocked(s, protocol.WrapError(protocol.KindFileReadError,
			"writing chunk to assembly buffer", err))
		return
	}

	// Retry pendente deste chunk perde o propósito.
	if t, ok := s.chunkTimers[chunk.ChunkIndex]; ok {
		t.Stop()
		delete(s.chunkTimers, chunk.ChunkIndex)
	}

	rec.State = ChunkVerified
	rec.Size = int64(len(chunk.Payload))
	rec.SHA256 = digest
	s.BytesVerified += int64(len(chunk.Payload))
	s.ChunksVerified++
	s.UpdatedAt = time.Now()

	m.sessionLog(s).Debug("chunk verified", "requestId", s.RequestID,
		"chunkIndex", chunk.ChunkIndex, "verified", s.ChunksVerified, "total", s.TotalChunks)

	if s.ChunksVerified == s.TotalChunks {
		m.verifyAndCompleteLocked(s)
	}
}

// handleChunkMismatchLocked aplica a política de retry a um checksum inválido.
// Deve ser chamado com s.mu travado.
func (m *Manager) handleChunkMismatchLocked(s *TransferSession, chunkIndex int) {
	attempt := s.PerChunkRetries[chunkIndex] + 1
	s.PerChunkRetries[chunkIndex] = attempt
	s.TotalRetries++
	s.Chunks[chunkIndex].RetryCount = attempt
	s.UpdatedAt = time.Now()

	if attempt > m.cfg.MaxChunkRetryAttempts {
		m.sessionLog(s).Warn("chunk retry budget exhausted", "requestId", s.RequestID,
			"chunkIndex", chunkIndex, "attempts", attempt)
		m.failLocked(s, protocol.NewError(protocol.KindChunkChecksumFailed,
			fmt.Sprintf("chunk %d failed checksum after %d attempts", chunkIndex, attempt)).
			WithDetail("chunkIndex", chunkIndex))
		return
	}

	// Backoff exponencial: base · 2^(attempt-1), timers independentes por chunk.
	delay := m.cfg.ChunkRetryDelay << (attempt - 1)
	requestID := s.RequestID

	m.sessionLog(s).Info("chunk checksum mismatch, scheduling retry", "requestId", requestID,
		"chunkIndex", chunkIndex, "attempt", attempt, "delay", delay)
	m.events.PushEvent("warn", "retry", s.ClientID, requestID,
		fmt.Sprintf("chunk %d checksum mismatch, retry %d scheduled", chunkIndex, attempt))

	if t, ok := s.chunkTimers[chunkIndex]; ok {
		t.Stop()
	}
	s.chunkTimers[chunkIndex] = time.AfterFunc(delay, func() {
		m.fireChunkRetry(requestID, chunkIndex, attempt)
	})
}

// fireChunkRetry envia RetryChunk quando o timer dispara. Depois do último
// retry do budget, arma um watchdog que falha a sessão se o chunk continuar
// não verificado.
func (m *Manager) fireChunkRetry(requestID string, chunkIndex, attempt int) {
	s := m.session(requestID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.State.Terminal() || s.Chunks[chunkIndex].State == ChunkVerified {
		delete(s.chunkTimers, chunkIndex)
		s.mu.Unlock()
		return
	}
	clientID := s.ClientID
	s.Chunks[chunkIndex].State = ChunkInFlight
	delete(s.chunkTimers, chunkIndex)

	if attempt == m.cfg.MaxChunkRetryAttempts {
		watchdog := m.cfg.ChunkRetryDelay << attempt
		s.chunkTimers[chunkIndex] = time.AfterFunc(watchdog, func() {
			m.onRetryExhausted(requestID, chunkIndex)
		})
	}
	s.mu.Unlock()

	if err := m.sender.Send(clientID, protocol.RetryChunk{RequestID: requestID, ChunkIndex: chunkIndex}); err != nil {
		m.logger.Debug("delivering retry to peer", "requestId", requestID, "error", err)
	}
}

// onRetryExhausted falha a sessão quando o último retry do budget não
// produziu um chunk verificado.
func (m *Manager) onRetryExhausted(requestID string, chunkIndex int) {
	s := m.session(requestID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State.Terminal() || s.Chunks[chunkIndex].State == ChunkVerified {
		return
	}
	m.failLocked(s, protocol.NewError(protocol.KindChunkTransferFailed,
		fmt.Sprintf("chunk %d still unverified after %d retries", chunkIndex, m.cfg.MaxChunkRetryAttempts)).
		WithDetail("chunkIndex", chunkIndex))
}

// verifyAndCompleteLocked roda a verificação final e o commit atômico.
// Deve ser chamado com s.mu travado.
func (m *Manager) verifyAndCompleteLocked(s *TransferSession) {
	s.State = StateVerifying
	s.UpdatedAt = time.Now()

	checksum, err := s.assembler.Checksum()
	if err != nil {
		m.failLocked(s, protocol.WrapError(protocol.KindFileReadError,
			"hashing assembled file", err))
		return
	}

	if checksum != s.FileChecksum {
		m.failLocked(s, protocol.NewError(protocol.KindChunkChecksumFailed,
			"assembled file checksum does not match fileChecksum").
			WithDetail("expected", s.FileChecksum).
			WithDetail("actual", checksum))
		return
	}

	if err := s.assembler.Close(); err != nil {
		m.failLocked(s, protocol.WrapError(protocol.KindFileReadError,
			"closing assembly buffer", err))
		return
	}

	finalPath, err := m.store.Commit(s.RequestID)
	if err != nil {
		m.failLocked(s, protocol.WrapError(protocol.KindFileReadError,
			"committing download", err))
		return
	}

	m.terminateLocked(s, StateCompleted)

	m.logger.Info("transfer completed", "requestId", s.RequestID,
		"clientId", s.ClientID, "bytes", s.BytesVerified, "path", finalPath)
	m.events.PushEvent("info", "transfer_completed", s.ClientID, s.RequestID,
		fmt.Sprintf("%d bytes verified", s.BytesVerified))

	if m.completedHook != nil {
		requestID := s.RequestID
		go m.completedHook(requestID, finalPath)
	}
}

// handlePeerCancel trata CancelDownload iniciado pelo peer.
func (m *Manager) handlePeerCancel(clientID string, cancel *protocol.CancelDownload) {
	s := m.session(cancel.RequestID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.ClientID != clientID || s.State.Terminal() {
		s.mu.Unlock()
		return
	}
	// O peer é quem cancelou: não há CancelDownload de volta.
	s.cancelSent = true
	m.sessionLog(s).Info("transfer cancelled by peer", "requestId", cancel.RequestID, "reason", cancel.Reason)
	m.terminateLocked(s, StateCancelled)
	s.mu.Unlock()

	m.events.PushEvent("info", "transfer_cancelled", clientID, cancel.RequestID,
		"cancelled by peer: "+cancel.Reason)
}

// handlePeerError falha a sessão com o kind reportado pelo peer.
func (m *Manager) handlePeerError(clientID string, errMsg *protocol.ErrorMessage) {
	requestID, _ := errMsg.Details["requestId"].(string)
	if requestID == "" {
		m.logger.Warn("peer error without requestId", "clientId", clientID,
			"code", errMsg.Code, "message", errMsg.Message)
		return
	}

	s := m.session(requestID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ClientID != clientID || s.State.Terminal() {
		return
	}

	te := protocol.NewError(errMsg.Code, errMsg.Message)
	for k, v := range errMsg.Details {
		te.WithDetail(k, v)
	}
	m.failLocked(s, te)
}

// onAckTimeout falha a sessão se o peer não respondeu ao DownloadRequest.
func (m *Manager) onAckTimeout(requestID string) {
	s := m.session(requestID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateRequested {
		return
	}
	m.sessionLog(s).Warn("download ack timeout", "requestId", requestID)
	m.failLocked(s, protocol.NewError(protocol.KindDownloadTimeout,
		"peer did not acknowledge download request"))
}

// onSessionDeadline falha sessões que não terminaram dentro do DownloadTimeout.
func (m *Manager) onSessionDeadline(requestID string) {
	s := m.session(requestID)
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.State.Terminal() {
		s.mu.Unlock()
		return
	}
	clientID := s.ClientID
	sendCancel := !s.cancelSent
	s.cancelSent = true
	m.failLocked(s, protocol.NewError(protocol.KindDownloadTimeout,
		"session deadline exceeded"))
	s.mu.Unlock()

	if sendCancel {
		if err := m.sender.Send(clientID, protocol.CancelDownload{
			RequestID: requestID, Reason: "session deadline exceeded"}); err != nil {
			m.logger.Debug("delivering deadline cancel to peer", "requestId", requestID, "error", err)
		}
	}
}

// failLocked transiciona a sessão para failed. Deve ser chamado com s.mu travado.
func (m *Manager) failLocked(s *TransferSession, te *protocol.TransferError) {
	if s.State.Terminal() {
		return
	}
	s.Err = te
	m.sessionLog(s).Warn("transfer failed", "requestId", s.RequestID,
		"clientId", s.ClientID, "code", te.Kind, "error", te.Message)
	m.terminateLocked(s, StateFailed)

	m.events.PushEvent("error", "transfer_failed", s.ClientID, s.RequestID,
		fmt.Sprintf("%s: %s", te.Kind, te.Message))
}

// terminateLocked aplica a transição terminal comum: para timers, libera o
// assembly buffer (exceto em completed, já commitado), fecha o log de sessão
// (removendo-o em completed), libera a chave ativa e arma o timer de
// retenção. Deve ser chamado com s.mu travado.
func (m *Manager) terminateLocked(s *TransferSession, state SessionState) {
	s.State = state
	now := time.Now()
	s.UpdatedAt = now
	s.CompletedAt = now
	s.stopTimersLocked()

	if s.logCloser != nil {
		s.logCloser.Close()
		s.logCloser = nil
	}
	// Logs de sessões com problema ficam retidos para diagnóstico.
	if state == StateCompleted {
		logging.RemoveSessionLog(m.sessionLogDir, s.ClientID, s.RequestID)
	}

	if state != StateCompleted && s.assembler != nil {
		if err := s.assembler.Abort(); err != nil {
			m.logger.Warn("releasing assembly buffer", "requestId", s.RequestID, "error", err)
		}
		s.assembler = nil
	}

	requestID := s.RequestID
	key := activeKey(s.ClientID, s.FilePath)

	m.mu.Lock()
	if m.active[key] == requestID {
		delete(m.active, key)
	}
	m.mu.Unlock()

	s.retentionTimer = time.AfterFunc(m.retentionWindow(), func() { m.evict(requestID) })
}

func (m *Manager) retentionWindow() time.Duration {
	if m.cfg.RetentionWindow > 0 {
		return m.cfg.RetentionWindow
	}
	return config.DefaultRetentionWindow
}

// evict remove uma sessão terminal expirada da tabela.
func (m *Manager) evict(requestID string) {
	m.mu.Lock()
	delete(m.sessions, requestID)
	m.mu.Unlock()
	m.logger.Debug("session evicted", "requestId", requestID)
}

// sendError entrega um ERROR ao peer, em best-effort.
func (m *Manager) sendError(clientID string, te *protocol.TransferError) {
	if err := m.sender.Send(clientID, te.ToMessage()); err != nil {
		m.logger.Debug("delivering error to peer", "clientId", clientID, "error", err)
	}
}
