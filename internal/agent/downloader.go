// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// transferRetention é quanto tempo o estado de uma transferência concluída
// fica retido para servir RetryChunk tardio.
const transferRetention = 5 * time.Minute

// Downloader atende DownloadRequests do server: resolve o filePath dentro
// do base_dir, responde DownloadAck com as dimensões do arquivo e transmite
// os chunks com SHA-256 individual.
type Downloader struct {
	cfg      *config.AgentConfig
	send     func(protocol.Message) error
	logger   *slog.Logger
	throttle *ChunkThrottle

	mu        sync.Mutex
	transfers map[string]*transfer
}

// transfer é o estado de um DownloadRequest em atendimento.
type transfer struct {
	requestID   string
	path        string
	fileSize    int64
	chunkSize   int64
	totalChunks int
	cancelled   atomic.Bool
	doneTimer   *time.Timer
}

func newDownloader(cfg *config.AgentConfig, send func(protocol.Message) error, logger *slog.Logger) *Downloader {
	return &Downloader{
		cfg:       cfg,
		send:      send,
		logger:    logger.With("component", "downloader"),
		throttle:  NewChunkThrottle(cfg.Throttle.MaxRateRaw),
		transfers: make(map[string]*transfer),
	}
}

// activeCount retorna o número de transferências retidas.
func (d *Downloader) activeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transfers)
}

// shutdown cancela todas as transferências em andamento.
func (d *Downloader) shutdown() {
	d.mu.Lock()
	for _, t := range d.transfers {
		t.cancelled.Store(true)
		if t.doneTimer != nil {
			t.doneTimer.Stop()
		}
	}
	d.transfers = make(map[string]*transfer)
	d.mu.Unlock()
}

// handleRequest responde a um DownloadRequest: valida o caminho, dimensiona
// o arquivo e inicia a transmissão dos chunks em goroutine própria.
func (d *Downloader) handleRequest(ctx context.Context, req *protocol.DownloadRequest) {
	logger := d.logger.With("requestId", req.RequestID, "filePath", req.FilePath)

	path, err := d.resolvePath(req.FilePath)
	if err != nil {
		logger.Warn("file path rejected", "error", err)
		d.send(protocol.ErrorMessage{
			Code:    protocol.KindPermissionDenied,
			Message: err.Error(),
			Details: map[string]any{"requestId": req.RequestID},
		})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Warn("file not found", "error", err)
		d.send(protocol.DownloadAck{
			RequestID: req.RequestID,
			Success:   false,
			Message:   fmt.Sprintf("file not accessible: %v", err),
		})
		return
	}
	if info.IsDir() {
		d.send(protocol.DownloadAck{
			RequestID: req.RequestID,
			Success:   false,
			Message:   "path is a directory",
		})
		return
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		logger.Error("hashing file", "error", err)
		d.send(protocol.DownloadAck{
			RequestID: req.RequestID,
			Success:   false,
			Message:   fmt.Sprintf("reading file: %v", err),
		})
		return
	}

	chunkSize := d.cfg.Serve.ChunkSizeRaw
	totalChunks := int((info.Size() + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		// Arquivo vazio viaja como um único chunk vazio
		totalChunks = 1
	}

	t := &transfer{
		requestID:   req.RequestID,
		path:        path,
		fileSize:    info.Size(),
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
	}

	d.mu.Lock()
	d.transfers[req.RequestID] = t
	d.mu.Unlock()

	if err := d.send(protocol.DownloadAck{
		RequestID:    req.RequestID,
		Success:      true,
		FileSize:     info.Size(),
		TotalChunks:  totalChunks,
		FileChecksum: checksum,
	}); err != nil {
		logger.Warn("sending download ack", "error", err)
		d.remove(req.RequestID)
		return
	}

	logger.Info("download accepted", "fileSize", info.Size(), "totalChunks", totalChunks)
	go d.streamChunks(ctx, t)
}

// resolvePath aplica a restrição de base_dir: caminhos relativos resolvem
// a partir do base_dir e caminhos absolutos precisam permanecer dentro dele.
func (d *Downloader) resolvePath(filePath string) (string, error) {
	baseDir := d.cfg.Serve.BaseDir
	if baseDir == "" {
		return filePath, nil
	}

	resolved := filePath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(baseDir, resolved)
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes served base directory", filePath)
	}

	return absResolved, nil
}

// streamChunks transmite todos os chunks em ordem, respeitando o throttle.
func (d *Downloader) streamChunks(ctx context.Context, t *transfer) {
	logger := d.logger.With("requestId", t.requestID)

	f, err := os.Open(t.path)
	if err != nil {
		logger.Error("opening file for streaming", "error", err)
		d.sendTransferError(t.requestID, protocol.KindFileReadError, err.Error())
		d.remove(t.requestID)
		return
	}
	defer f.Close()

	buf := make([]byte, t.chunkSize)
	for i := 0; i < t.totalChunks; i++ {
		if t.cancelled.Load() || ctx.Err() != nil {
			logger.Info("streaming aborted", "chunkIndex", i)
			return
		}

		payload, err := readChunkAt(f, buf, int64(i)*t.chunkSize)
		if err != nil {
			logger.Error("reading chunk", "chunkIndex", i, "error", err)
			d.sendTransferError(t.requestID, protocol.KindFileReadError, err.Error())
			d.remove(t.requestID)
			return
		}

		if err := d.throttle.Wait(ctx, len(payload)); err != nil {
			return
		}

		sum := sha256.Sum256(payload)
		if err := d.send(protocol.Chunk{
			RequestID:  t.requestID,
			ChunkIndex: i,
			Payload:    payload,
			Checksum:   hex.EncodeToString(sum[:]),
			IsLast:     i == t.totalChunks-1,
		}); err != nil {
			logger.Warn("sending chunk", "chunkIndex", i, "error", err)
			return
		}
	}

	logger.Info("all chunks sent", "totalChunks", t.totalChunks)
	d.retain(t)
}

// handleRetry retransmite um chunk pedido pelo server.
func (d *Downloader) handleRetry(ctx context.Context, retry *protocol.RetryChunk) {
	logger := d.logger.With("requestId", retry.RequestID, "chunkIndex", retry.ChunkIndex)

	d.mu.Lock()
	t, ok := d.transfers[retry.RequestID]
	d.mu.Unlock()

	if !ok {
		logger.Warn("retry for unknown transfer")
		d.sendTransferError(retry.RequestID, protocol.KindChunkTransferFailed,
			"transfer state no longer available")
		return
	}
	if t.cancelled.Load() || retry.ChunkIndex >= t.totalChunks {
		return
	}

	f, err := os.Open(t.path)
	if err != nil {
		logger.Error("reopening file for retry", "error", err)
		d.sendTransferError(t.requestID, protocol.KindFileReadError, err.Error())
		return
	}
	defer f.Close()

	buf := make([]byte, t.chunkSize)
	payload, err := readChunkAt(f, buf, int64(retry.ChunkIndex)*t.chunkSize)
	if err != nil {
		logger.Error("rereading chunk", "error", err)
		d.sendTransferError(t.requestID, protocol.KindFileReadError, err.Error())
		return
	}

	if err := d.throttle.Wait(ctx, len(payload)); err != nil {
		return
	}

	sum := sha256.Sum256(payload)
	logger.Info("retransmitting chunk")
	d.send(protocol.Chunk{
		RequestID:  t.requestID,
		ChunkIndex: retry.ChunkIndex,
		Payload:    payload,
		Checksum:   hex.EncodeToString(sum[:]),
		IsLast:     retry.ChunkIndex == t.totalChunks-1,
	})
}

// handleCancel aborta a transmissão de uma transferência.
func (d *Downloader) handleCancel(cancel *protocol.CancelDownload) {
	d.mu.Lock()
	t, ok := d.transfers[cancel.RequestID]
	d.mu.Unlock()

	if !ok {
		return
	}

	t.cancelled.Store(true)
	d.remove(cancel.RequestID)
	d.logger.Info("transfer cancelled by server",
		"requestId", cancel.RequestID, "reason", cancel.Reason)
}

// retain agenda o descarte do estado da transferência depois da janela de
// retransmissão.
func (d *Downloader) retain(t *transfer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.doneTimer != nil {
		t.doneTimer.Stop()
	}
	t.doneTimer = time.AfterFunc(transferRetention, func() {
		d.remove(t.requestID)
	})
}

func (d *Downloader) remove(requestID string) {
	d.mu.Lock()
	if t, ok := d.transfers[requestID]; ok {
		if t.doneTimer != nil {
			t.doneTimer.Stop()
		}
		delete(d.transfers, requestID)
	}
	d.mu.Unlock()
}

// sendTransferError reporta um erro de sessão ao server.
func (d *Downloader) sendTransferError(requestID string, kind protocol.ErrorKind, message string) {
	d.send(protocol.ErrorMessage{
		Code:    kind,
		Message: message,
		Details: map[string]any{"requestId": requestID},
	})
}

// readChunkAt lê o chunk no offset, reutilizando buf. O último chunk pode
// ser menor que chunkSize.
func readChunkAt(f *os.File, buf []byte, offset int64) ([]byte, error) {
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// fileChecksum calcula o SHA-256 hex do arquivo inteiro.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
