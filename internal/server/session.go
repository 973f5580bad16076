// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// SessionState é o estado de uma sessão de transferência.
type SessionState string

// Estados da máquina de estados da sessão.
const (
	StateRequested    SessionState = "requested"
	StateAcknowledged SessionState = "acknowledged"
	StateStreaming    SessionState = "streaming"
	StateVerifying    SessionState = "verifying"
	StateCompleted    SessionState = "completed"
	StateFailed       SessionState = "failed"
	StateCancelled    SessionState = "cancelled"
)

// Terminal indica se o estado é final (nenhuma mutação além de leitura).
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ChunkState é o estado de um chunk individual dentro da sessão.
type ChunkState string

// Estados de chunk.
const (
	ChunkPending  ChunkState = "pending"
	ChunkInFlight ChunkState = "inFlight"
	ChunkVerified ChunkState = "verified"
	ChunkFailed   ChunkState = "failed"
)

// ChunkRecord acompanha o progresso de um chunk.
type ChunkRecord struct {
	State         ChunkState
	RetryCount    int
	LastAttemptAt time.Time
	Size          int64
	SHA256        string
}

// TransferSession é uma transferência in-flight. Todas as mutações são
// serializadas por mu; o Manager nunca segura mu através de I/O de rede.
type TransferSession struct {
	mu sync.Mutex

	RequestID string
	ClientID  string
	FilePath  string

	State        SessionState
	FileSize     int64
	TotalChunks  int
	FileChecksum string
	ChunkSize    int64

	Chunks         []ChunkRecord
	BytesVerified  int64
	ChunksVerified int

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time

	Err *protocol.TransferError

	TotalRetries    int
	PerChunkRetries map[int]int

	// rangeViolations conta chunks recebidos com índice fora de
	// [0, totalChunks); estoura o mesmo budget dos retries.
	rangeViolations int

	// cancelSent garante no máximo um CancelDownload para o peer.
	cancelSent bool

	assembler *Assembler

	// logger grava no log global e, quando session_dir está configurado,
	// também no arquivo dedicado da sessão. logCloser fecha esse arquivo.
	logger    *slog.Logger
	logCloser io.Closer

	ackTimer       *time.Timer
	deadlineTimer  *time.Timer
	retentionTimer *time.Timer
	chunkTimers    map[int]*time.Timer
}

// Progress é o bloco de progresso exposto no SessionView.
type Progress struct {
	ChunksReceived int     `json:"chunksReceived"`
	TotalChunks    int     `json:"totalChunks"`
	Percentage     float64 `json:"percentage"`
	BytesReceived  int64   `json:"bytesReceived"`
	RetriedChunks  int     `json:"retriedChunks"`
}

// RetryStats resume o esforço de retransmissão da sessão.
type RetryStats struct {
	TotalRetries    int         `json:"totalRetries"`
	PerChunkRetries map[int]int `json:"perChunkRetries"`
}

// SessionError é a forma do erro exposta no SessionView.
type SessionError struct {
	Code    protocol.ErrorKind `json:"code"`
	Message string             `json:"message"`
	Details map[string]any     `json:"details"`
}

// SessionView é o snapshot read-only de uma sessão, como retornado
// pelo control plane.
type SessionView struct {
	RequestID    string        `json:"requestId"`
	ClientID     string        `json:"clientId"`
	FilePath     string        `json:"filePath"`
	Status       SessionState  `json:"status"`
	FileSize     int64         `json:"fileSize"`
	FileChecksum string        `json:"fileChecksum,omitempty"`
	Progress     Progress      `json:"progress"`
	RetryStats   RetryStats    `json:"retryStats"`
	StartedAt    time.Time     `json:"startedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	Error        *SessionError `json:"error,omitempty"`
}

// snapshotLocked monta o SessionView. Deve ser chamado com s.mu travado.
func (s *TransferSession) snapshotLocked() SessionView {
	var pct float64
	if s.TotalChunks > 0 {
		pct = float64(s.ChunksVerified) / float64(s.TotalChunks) * 100
	}

	retried := 0
	perChunk := make(map[int]int, len(s.PerChunkRetries))
	for idx, n := range s.PerChunkRetries {
		perChunk[idx] = n
		retried++
	}

	view := SessionView{
		RequestID:    s.RequestID,
		ClientID:     s.ClientID,
		FilePath:     s.FilePath,
		Status:       s.State,
		FileSize:     s.FileSize,
		FileChecksum: s.FileChecksum,
		Progress: Progress{
			ChunksReceived: s.ChunksVerified,
			TotalChunks:    s.TotalChunks,
			Percentage:     pct,
			BytesReceived:  s.BytesVerified,
			RetriedChunks:  retried,
		},
		RetryStats: RetryStats{
			TotalRetries:    s.TotalRetries,
			PerChunkRetries: perChunk,
		},
		StartedAt: s.StartedAt,
		UpdatedAt: s.UpdatedAt,
	}

	if !s.CompletedAt.IsZero() {
		t := s.CompletedAt
		view.CompletedAt = &t
	}
	if s.Err != nil {
		details := s.Err.Details
		if details == nil {
			details = map[string]any{}
		}
		view.Error = &SessionError{
			Code:    s.Err.Kind,
			Message: s.Err.Message,
			Details: details,
		}
	}

	return view
}

// stopTimersLocked cancela todos os timers da sessão (exceto retenção).
// Deve ser chamado com s.mu travado.
func (s *TransferSession) stopTimersLocked() {
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
	for idx, t := range s.chunkTimers {
		t.Stop()
		delete(s.chunkTimers, idx)
	}
}
