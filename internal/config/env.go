// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// envInt64 lê uma variável de ambiente numérica. Valor ausente retorna o
// fallback em silêncio; valor inválido retorna o fallback com warning.
func (c *ServerConfig) envInt64(name string, fallback int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed <= 0 {
		c.warnf("invalid %s=%q, using default %d", name, v, fallback)
		return fallback
	}
	return parsed
}

// envMillis lê uma variável de ambiente em milissegundos e converte para Duration.
func (c *ServerConfig) envMillis(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil || parsed <= 0 {
		c.warnf("invalid %s=%q, using default %s", name, v, fallback)
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func (c *ServerConfig) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
