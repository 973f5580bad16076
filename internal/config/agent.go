// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do nfetch-agent.
type AgentConfig struct {
	Agent    AgentInfo    `yaml:"agent"`
	Server   ServerAddr   `yaml:"server"`
	TLS      TLSClient    `yaml:"tls"`
	Serve    ServeInfo    `yaml:"serve"`
	Network  NetworkInfo  `yaml:"network"`
	Throttle ThrottleInfo `yaml:"throttle"`
	Retry    RetryInfo    `yaml:"retry"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// AgentInfo identifica o agent no registry do server.
type AgentInfo struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"` // reportado no Register (default: build version)
}

// ServerAddr contém a URL WebSocket do server.
type ServerAddr struct {
	URL string `yaml:"url"` // ex: "ws://nfetch01:8080/ws"
}

// TLSClient contém os caminhos dos certificados do client.
// CACert habilita validação de um CA privado; cert/key são opcionais
// (apenas quando o server exige client certs).
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// ServeInfo delimita o que o agent aceita servir.
type ServeInfo struct {
	// BaseDir restringe os filePaths servidos a esta raiz.
	// Vazio = qualquer caminho legível pelo processo.
	BaseDir string `yaml:"base_dir"`
	// ChunkSize deve coincidir com o chunk_size do server.
	ChunkSize    string `yaml:"chunk_size"` // ex: "1mb" (default: 1mb)
	ChunkSizeRaw int64  `yaml:"-"`
}

// NetworkInfo contém ajustes de QoS da conexão com o server.
type NetworkInfo struct {
	// DSCP marca o tráfego de saída (ex: "AF21", "CS1"); vazio = sem marcação.
	DSCP string `yaml:"dscp"`
}

// ThrottleInfo limita a taxa de envio de chunks.
type ThrottleInfo struct {
	MaxRate    string `yaml:"max_rate"` // ex: "10mb" por segundo; vazio = sem limite
	MaxRateRaw int64  `yaml:"-"`
}

// RetryInfo contém configurações de reconexão com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`  // 0 = reconecta para sempre
	InitialDelay time.Duration `yaml:"initial_delay"` // default: 1s
	MaxDelay     time.Duration `yaml:"max_delay"`     // default: 1m
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must start with ws:// or wss://, got %q", c.Server.URL)
	}
	if c.TLS.ClientCert != "" && c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required when tls.client_cert is set")
	}

	if c.Serve.ChunkSize == "" {
		c.Serve.ChunkSize = "1mb"
	}
	parsed, err := ParseByteSize(c.Serve.ChunkSize)
	if err != nil {
		return fmt.Errorf("serve.chunk_size: %w", err)
	}
	if parsed < 64*1024 {
		return fmt.Errorf("serve.chunk_size must be at least 64kb, got %s", c.Serve.ChunkSize)
	}
	if parsed > 16*1024*1024 {
		return fmt.Errorf("serve.chunk_size must be at most 16mb, got %s", c.Serve.ChunkSize)
	}
	c.Serve.ChunkSizeRaw = parsed

	if c.Throttle.MaxRate != "" {
		rate, err := ParseByteSize(c.Throttle.MaxRate)
		if err != nil {
			return fmt.Errorf("throttle.max_rate: %w", err)
		}
		c.Throttle.MaxRateRaw = rate
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 1 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
