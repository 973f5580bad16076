// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// partialSuffix marca arquivos de montagem ainda não commitados.
const partialSuffix = ".partial"

// DownloadStore gerencia a persistência atômica dos downloads:
// grava em <requestId>.partial → verifica → rename para o nome final.
type DownloadStore struct {
	baseDir string
}

// NewDownloadStore cria o diretório de downloads se não existir.
func NewDownloadStore(baseDir string) (*DownloadStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	return &DownloadStore{baseDir: baseDir}, nil
}

// BaseDir retorna o diretório raiz dos downloads.
func (s *DownloadStore) BaseDir() string {
	return s.baseDir
}

// PartialPath retorna o caminho do arquivo .partial de uma sessão.
func (s *DownloadStore) PartialPath(requestID string) string {
	return filepath.Join(s.baseDir, requestID+partialSuffix)
}

// FinalPath retorna o caminho final do download commitado.
func (s *DownloadStore) FinalPath(requestID string) string {
	return filepath.Join(s.baseDir, requestID)
}

// CreatePartial cria (truncando, se existir) o arquivo .partial da sessão.
func (s *DownloadStore) CreatePartial(requestID string) (string, error) {
	path := s.PartialPath(requestID)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing partial file: %w", err)
	}
	return path, nil
}

// Commit renomeia o .partial verificado para o nome final.
func (s *DownloadStore) Commit(requestID string) (string, error) {
	finalPath := s.FinalPath(requestID)
	if err := os.Rename(s.PartialPath(requestID), finalPath); err != nil {
		return "", fmt.Errorf("renaming partial to final: %w", err)
	}
	return finalPath, nil
}

// RemovePartial descarta o arquivo .partial de uma sessão abortada.
func (s *DownloadStore) RemovePartial(requestID string) error {
	err := os.Remove(s.PartialPath(requestID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing partial file: %w", err)
	}
	return nil
}

// SweepPartials remove arquivos .partial órfãos mais antigos que ttl.
// keep é o conjunto de requestIds com sessão ainda viva (não remover).
// Retorna quantos arquivos foram removidos.
func (s *DownloadStore) SweepPartials(ttl time.Duration, keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("reading download directory: %w", err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		requestID := strings.TrimSuffix(e.Name(), partialSuffix)
		if keep[requestID] {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.baseDir, e.Name())); err == nil {
			removed++
		}
	}

	return removed, nil
}
