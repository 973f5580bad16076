// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// ArchiveFile comprime um download commitado conforme o archive_mode
// ("gzip" ou "zst"), removendo o original no sucesso. Retorna o caminho
// do arquivo comprimido. Com mode "none" (ou vazio), retorna o caminho
// original sem tocar no arquivo.
func ArchiveFile(path, mode string) (string, error) {
	switch mode {
	case "", "none":
		return path, nil
	case "gzip":
		return compressFile(path, path+".gz", newPgzipWriter)
	case "zst":
		return compressFile(path, path+".zst", newZstdWriter)
	default:
		return "", fmt.Errorf("unknown archive mode %q", mode)
	}
}

func newPgzipWriter(w io.Writer) (io.WriteCloser, error) {
	return pgzip.NewWriterLevel(w, pgzip.BestSpeed)
}

func newZstdWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

// compressFile escreve em .tmp e faz rename no final, na mesma disciplina
// atômica do commit de downloads.
func compressFile(srcPath, dstPath string, newWriter func(io.Writer) (io.WriteCloser, error)) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening download for compression: %w", err)
	}
	defer src.Close()

	tmpPath := dstPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}

	cw, err := newWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("creating compressor: %w", err)
	}

	if _, err := io.Copy(cw, src); err != nil {
		cw.Close()
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("compressing download: %w", err)
	}

	if err := cw.Close(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("flushing compressor: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing archive file: %w", err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming archive file: %w", err)
	}

	if err := os.Remove(srcPath); err != nil {
		return "", fmt.Errorf("removing uncompressed download: %w", err)
	}

	return dstPath, nil
}
