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

// Defaults do transfer manager e do protocolo.
const (
	DefaultChunkSize             = 1 * 1024 * 1024 // 1MB
	DefaultMaxChunkRetryAttempts = 3
	DefaultChunkRetryDelay       = 1 * time.Second
	DefaultAckTimeout            = 10 * time.Second
	DefaultDownloadTimeout       = 5 * time.Minute
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultRetentionWindow       = 1 * time.Hour
)

// ServerConfig representa a configuração completa do nfetch-server.
type ServerConfig struct {
	Control     ControlListen     `yaml:"control"`
	WS          WSListen          `yaml:"ws"`
	TLS         TLSServer         `yaml:"tls"`
	Download    DownloadInfo      `yaml:"download"`
	Transfer    TransferInfo      `yaml:"transfer"`
	Logging     LoggingInfo       `yaml:"logging"`
	S3Mirror    S3MirrorConfig    `yaml:"s3_mirror"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Warnings acumula avisos de overrides de ambiente inválidos para
	// serem logados depois que o logger existir.
	Warnings []string `yaml:"-"`
}

// ControlListen configura o listener HTTP do control plane.
type ControlListen struct {
	Listen       string        `yaml:"listen"`        // default: ":3000"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	CORSOrigins  []string      `yaml:"cors_origins"`  // default: ["*"]
}

// WSListen configura o listener WebSocket dos agents.
type WSListen struct {
	Listen               string        `yaml:"listen"`                // default: ":8080"
	RegistrationDeadline time.Duration `yaml:"registration_deadline"` // default: 10s
}

// TLSServer contém os caminhos dos certificados TLS do server.
// Quando vazio, os listeners sobem em claro (TLS assumido externo).
type TLSServer struct {
	CACert     string `yaml:"ca_cert"` // opcional: exige client certs quando presente
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// Enabled indica se o listener WebSocket deve subir com TLS.
func (t TLSServer) Enabled() bool {
	return t.ServerCert != "" && t.ServerKey != ""
}

// DownloadInfo configura a persistência dos downloads montados.
type DownloadInfo struct {
	Dir         string `yaml:"dir"`          // default: "./downloads"
	ArchiveMode string `yaml:"archive_mode"` // none|gzip|zst (default: none)
}

// FileExtension retorna a extensão do arquivo final conforme o archive_mode.
func (d DownloadInfo) FileExtension() string {
	switch d.ArchiveMode {
	case "gzip":
		return ".gz"
	case "zst":
		return ".zst"
	default:
		return ""
	}
}

// TransferInfo contém os parâmetros do transfer manager.
type TransferInfo struct {
	ChunkSize             int64         `yaml:"chunk_size"`               // bytes (default: 1MB)
	MaxChunkRetryAttempts int           `yaml:"max_chunk_retry_attempts"` // default: 3
	ChunkRetryDelay       time.Duration `yaml:"chunk_retry_delay"`        // base do backoff (default: 1s)
	AckTimeout            time.Duration `yaml:"ack_timeout"`              // default: 10s
	DownloadTimeout       time.Duration `yaml:"download_timeout"`         // deadline da sessão (default: 5m)
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`       // default: 30s
	RetentionWindow       time.Duration `yaml:"retention_window"`         // default: 1h
}

// S3MirrorConfig configura o espelhamento opcional de downloads completos para S3.
type S3MirrorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// MaintenanceConfig configura a varredura periódica de limpeza.
type MaintenanceConfig struct {
	Schedule   string        `yaml:"schedule"`    // cron expression (default: "@every 5m")
	PartialTTL time.Duration `yaml:"partial_ttl"` // idade máxima de .partial órfãos (default: 1h)
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // opcional: stdout + arquivo

	// SessionDir habilita um arquivo de log por transferência (server only):
	// {session_dir}/{clientId}/{requestId}.log, removido quando a
	// transferência termina em completed. Vazio = desabilitado.
	SessionDir string `yaml:"session_dir"`
}

// LoadServerConfig lê o arquivo YAML de configuração do server, aplica
// defaults e os overrides de ambiente. O arquivo é opcional: com path vazio
// ou inexistente, a configuração vem só de defaults + ambiente.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading server config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing server config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// applyEnv aplica os overrides de ambiente documentados. Valores numéricos
// inválidos caem no default com warning (acumulado em Warnings).
func (c *ServerConfig) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Control.Listen = ":" + v
	}
	if v := os.Getenv("WS_PORT"); v != "" {
		c.WS.Listen = ":" + v
	}
	if v := os.Getenv("DOWNLOAD_DIR"); v != "" {
		c.Download.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.Control.CORSOrigins = splitAndTrim(v)
	}

	c.Transfer.ChunkSize = c.envInt64("CHUNK_SIZE", c.Transfer.ChunkSize)
	c.Transfer.MaxChunkRetryAttempts = int(c.envInt64("MAX_CHUNK_RETRY_ATTEMPTS", int64(c.Transfer.MaxChunkRetryAttempts)))
	c.Transfer.ChunkRetryDelay = c.envMillis("CHUNK_RETRY_DELAY", c.Transfer.ChunkRetryDelay)
	c.Transfer.HeartbeatInterval = c.envMillis("HEARTBEAT_INTERVAL", c.Transfer.HeartbeatInterval)
	c.Transfer.DownloadTimeout = c.envMillis("DOWNLOAD_TIMEOUT", c.Transfer.DownloadTimeout)
}

func (c *ServerConfig) validate() error {
	if c.Control.Listen == "" {
		c.Control.Listen = ":3000"
	}
	if c.Control.ReadTimeout <= 0 {
		c.Control.ReadTimeout = 5 * time.Second
	}
	if c.Control.WriteTimeout <= 0 {
		c.Control.WriteTimeout = 15 * time.Second
	}
	if c.Control.IdleTimeout <= 0 {
		c.Control.IdleTimeout = 60 * time.Second
	}
	if len(c.Control.CORSOrigins) == 0 {
		c.Control.CORSOrigins = []string{"*"}
	}

	if c.WS.Listen == "" {
		c.WS.Listen = ":8080"
	}
	if c.WS.RegistrationDeadline <= 0 {
		c.WS.RegistrationDeadline = 10 * time.Second
	}

	if c.TLS.ServerCert != "" && c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.server_key is required when tls.server_cert is set")
	}
	if c.TLS.ServerKey != "" && c.TLS.ServerCert == "" {
		return fmt.Errorf("tls.server_cert is required when tls.server_key is set")
	}

	if c.Download.Dir == "" {
		c.Download.Dir = "./downloads"
	}
	if c.Download.ArchiveMode == "" {
		c.Download.ArchiveMode = "none"
	}
	c.Download.ArchiveMode = strings.ToLower(strings.TrimSpace(c.Download.ArchiveMode))
	if c.Download.ArchiveMode != "none" && c.Download.ArchiveMode != "gzip" && c.Download.ArchiveMode != "zst" {
		return fmt.Errorf("download.archive_mode must be none, gzip or zst, got %q", c.Download.ArchiveMode)
	}

	if c.Transfer.ChunkSize <= 0 {
		c.Transfer.ChunkSize = DefaultChunkSize
	}
	if c.Transfer.MaxChunkRetryAttempts <= 0 {
		c.Transfer.MaxChunkRetryAttempts = DefaultMaxChunkRetryAttempts
	}
	if c.Transfer.ChunkRetryDelay <= 0 {
		c.Transfer.ChunkRetryDelay = DefaultChunkRetryDelay
	}
	if c.Transfer.AckTimeout <= 0 {
		c.Transfer.AckTimeout = DefaultAckTimeout
	}
	if c.Transfer.DownloadTimeout <= 0 {
		c.Transfer.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.Transfer.HeartbeatInterval <= 0 {
		c.Transfer.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Transfer.RetentionWindow <= 0 {
		c.Transfer.RetentionWindow = DefaultRetentionWindow
	}

	if c.S3Mirror.Enabled && c.S3Mirror.Bucket == "" {
		return fmt.Errorf("s3_mirror.bucket is required when s3_mirror is enabled")
	}

	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 5m"
	}
	if c.Maintenance.PartialTTL <= 0 {
		c.Maintenance.PartialTTL = 1 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
