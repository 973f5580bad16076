// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Assembler é o assembly buffer de uma sessão: escreve chunks verificados
// no offset indexado de um arquivo .partial. Chunks podem chegar fora de
// ordem; a escrita posicionada (WriteAt) dispensa staging intermediário.
// O arquivo é exclusivo da sessão até o estado terminal.
type Assembler struct {
	requestID   string
	partialPath string
	file        *os.File
	chunkSize   int64
	totalBytes  int64
	mu          sync.Mutex
	logger      *slog.Logger
}

// NewAssembler cria o arquivo .partial da sessão para escrita posicionada.
func NewAssembler(store *DownloadStore, requestID string, chunkSize int64, logger *slog.Logger) (*Assembler, error) {
	partialPath, err := store.CreatePartial(requestID)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(partialPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening partial file: %w", err)
	}

	return &Assembler{
		requestID:   requestID,
		partialPath: partialPath,
		file:        f,
		chunkSize:   chunkSize,
		logger:      logger,
	}, nil
}

// WriteChunk grava o payload de um chunk no offset chunkIndex·chunkSize.
func (a *Assembler) WriteChunk(chunkIndex int, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("assembler for %s already closed", a.requestID)
	}

	offset := int64(chunkIndex) * a.chunkSize
	if _, err := a.file.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("writing chunk %d at offset %d: %w", chunkIndex, offset, err)
	}

	a.totalBytes += int64(len(payload))
	a.logger.Debug("chunk written", "chunkIndex", chunkIndex, "offset", offset, "bytes", len(payload))

	return nil
}

// Checksum calcula o SHA-256 hex do conteúdo montado.
func (a *Assembler) Checksum() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return "", fmt.Errorf("assembler for %s already closed", a.requestID)
	}

	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding partial file: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, a.file); err != nil {
		return "", fmt.Errorf("hashing partial file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// TotalBytes retorna o total de bytes escritos até agora.
func (a *Assembler) TotalBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalBytes
}

// Close fecha o file handle sem remover o .partial.
func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Abort fecha e remove o arquivo .partial.
func (a *Assembler) Abort() error {
	if err := a.Close(); err != nil {
		a.logger.Warn("closing partial file on abort", "error", err)
	}
	if err := os.Remove(a.partialPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing partial file: %w", err)
	}
	return nil
}

// PartialPath retorna o caminho do arquivo .partial.
func (a *Assembler) PartialPath() string {
	return a.partialPath
}
