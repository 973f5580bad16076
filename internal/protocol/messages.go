// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de mensagens NFetch para comunicação
// entre agent e server sobre WebSocket. As mensagens são árvores JSON
// auto-descritivas com um campo "type" discriminador.
package protocol

// MessageType identifica o tipo de uma mensagem no wire.
type MessageType string

// Tipos de mensagem do protocolo (conjunto fechado).
const (
	TypeRegister        MessageType = "REGISTER"         // Agent → Server
	TypeRegisterAck     MessageType = "REGISTER_ACK"     // Server → Agent
	TypePing            MessageType = "PING"             // Bidirecional
	TypePong            MessageType = "PONG"             // Bidirecional
	TypeDownloadRequest MessageType = "DOWNLOAD_REQUEST" // Server → Agent
	TypeDownloadAck     MessageType = "DOWNLOAD_ACK"     // Agent → Server
	TypeChunk           MessageType = "CHUNK"            // Agent → Server
	TypeRetryChunk      MessageType = "RETRY_CHUNK"      // Server → Agent
	TypeCancelDownload  MessageType = "CANCEL_DOWNLOAD"  // Bidirecional
	TypeError           MessageType = "ERROR"            // Bidirecional
)

// Message é implementada por todas as mensagens do protocolo.
type Message interface {
	Type() MessageType
}

// Register é enviado pelo agent imediatamente após conectar.
// O clientId é escolhido pelo agent e deve ser único no registry.
type Register struct {
	ClientID string `json:"clientId"`
	Version  string `json:"version,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Type implementa Message.
func (Register) Type() MessageType { return TypeRegister }

// RegisterAck é a resposta do server ao Register.
type RegisterAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Type implementa Message.
func (RegisterAck) Type() MessageType { return TypeRegisterAck }

// Ping é a sonda de liveness. Pode ser iniciada por qualquer lado.
type Ping struct{}

// Type implementa Message.
func (Ping) Type() MessageType { return TypePing }

// Pong é a resposta obrigatória a um Ping.
type Pong struct{}

// Type implementa Message.
func (Pong) Type() MessageType { return TypePong }

// DownloadRequest é enviado pelo server ao agent dono do arquivo.
// O filePath é opaco para o server: só o agent o interpreta.
type DownloadRequest struct {
	RequestID string `json:"requestId"`
	FilePath  string `json:"filePath"`
}

// Type implementa Message.
func (DownloadRequest) Type() MessageType { return TypeDownloadRequest }

// DownloadAck é a resposta do agent ao DownloadRequest.
// Quando success=true, carrega os metadados que dimensionam a sessão.
// FileChecksum é o SHA-256 hex do arquivo completo.
type DownloadAck struct {
	RequestID    string `json:"requestId"`
	Success      bool   `json:"success"`
	FileSize     int64  `json:"fileSize"`
	TotalChunks  int    `json:"totalChunks"`
	FileChecksum string `json:"fileChecksum"`
	Message      string `json:"message,omitempty"`
}

// Type implementa Message.
func (DownloadAck) Type() MessageType { return TypeDownloadAck }

// Chunk transporta um pedaço do arquivo. Payload é base64 no wire
// (encoding/json trata []byte automaticamente). Checksum é o SHA-256 hex
// do payload decodificado.
type Chunk struct {
	RequestID  string `json:"requestId"`
	ChunkIndex int    `json:"chunkIndex"`
	Payload    []byte `json:"payload"`
	Checksum   string `json:"checksum"`
	IsLast     bool   `json:"isLast"`
}

// Type implementa Message.
func (Chunk) Type() MessageType { return TypeChunk }

// RetryChunk pede ao agent a retransmissão de um chunk específico.
type RetryChunk struct {
	RequestID  string `json:"requestId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// Type implementa Message.
func (RetryChunk) Type() MessageType { return TypeRetryChunk }

// CancelDownload aborta uma transferência em andamento.
type CancelDownload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

// Type implementa Message.
func (CancelDownload) Type() MessageType { return TypeCancelDownload }

// ErrorMessage reporta uma falha de protocolo ou de sessão ao peer.
type ErrorMessage struct {
	Code    ErrorKind      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// Type implementa Message.
func (ErrorMessage) Type() MessageType { return TypeError }
