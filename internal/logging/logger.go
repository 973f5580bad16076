// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging monta os loggers do nfetch-server e do nfetch-agent:
// o logger global do processo (NewLogger) e, no server, o logger por
// sessão de transferência que espelha em arquivo dedicado (NewSessionLogger).
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger cria o slog.Logger global a partir da seção logging da
// config (logging.level, logging.format, logging.file). Formatos:
// "json" (default) e "text". O Closer retornado fecha o arquivo de log
// no shutdown; sem logging.file ele é um no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	sink, closer := openLogSink(filePath)
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(sink, opts)
	} else {
		handler = slog.NewJSONHandler(sink, opts)
	}
	return slog.New(handler), closer
}

// openLogSink resolve o destino do log global: stdout puro ou stdout
// espelhado em filePath. Falha ao abrir o arquivo não derruba o
// processo: avisa no stderr e segue só com stdout.
func openLogSink(filePath string) (io.Writer, io.Closer) {
	if filePath == "" {
		return os.Stdout, nopCloser{}
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return os.Stdout, nopCloser{}
	}
	return io.MultiWriter(os.Stdout, f), f
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// parseLevel aceita debug, info, warn (ou warning) e error; valor
// desconhecido cai em info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
