// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
)

// FormatError indica que um frame não pôde ser decodificado: JSON inválido,
// campo "type" ausente/desconhecido, ou campo obrigatório faltando ou com
// shape primitivo errado. Validação semântica (ranges, consistência entre
// campos) é responsabilidade do transfer manager, não do codec.
type FormatError struct {
	Reason string
	cause  error
}

// Error implementa error.
func (e *FormatError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.cause)
	}
	return "protocol: " + e.Reason
}

// Unwrap expõe a causa para errors.Is/As.
func (e *FormatError) Unwrap() error { return e.cause }

func formatErrorf(cause error, format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...), cause: cause}
}

// Encode serializa uma mensagem para o wire, injetando o campo "type".
// É total: nunca falha para mensagens construídas pelos tipos deste pacote.
func Encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}

	typeTag, _ := json.Marshal(msg.Type())
	fields["type"] = typeTag

	return json.Marshal(fields)
}

// Decode parseia um frame do wire e valida a boa-formação estrutural.
// Retorna *FormatError quando o frame não corresponde a nenhuma mensagem
// válida do protocolo.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, formatErrorf(err, "invalid JSON frame")
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, formatErrorf(nil, "missing type field")
	}

	var msgType MessageType
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, formatErrorf(err, "invalid type field")
	}

	switch msgType {
	case TypeRegister:
		var m Register
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "clientId"); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeRegisterAck:
		var m RegisterAck
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "success", "message"); err != nil {
			return nil, err
		}
		return &m, nil

	case TypePing:
		return &Ping{}, nil

	case TypePong:
		return &Pong{}, nil

	case TypeDownloadRequest:
		var m DownloadRequest
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "requestId", "filePath"); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeDownloadAck:
		var m DownloadAck
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "requestId", "success", "fileSize", "totalChunks", "fileChecksum"); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeChunk:
		var m Chunk
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "requestId", "chunkIndex", "payload", "checksum", "isLast"); err != nil {
			return nil, err
		}
		if m.ChunkIndex < 0 {
			return nil, formatErrorf(nil, "%s: chunkIndex must be unsigned", msgType)
		}
		return &m, nil

	case TypeRetryChunk:
		var m RetryChunk
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "requestId", "chunkIndex"); err != nil {
			return nil, err
		}
		if m.ChunkIndex < 0 {
			return nil, formatErrorf(nil, "%s: chunkIndex must be unsigned", msgType)
		}
		return &m, nil

	case TypeCancelDownload:
		var m CancelDownload
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "requestId", "reason"); err != nil {
			return nil, err
		}
		return &m, nil

	case TypeError:
		var m ErrorMessage
		if err := unmarshalStrictShapes(data, &m, msgType); err != nil {
			return nil, err
		}
		if err := requireFields(fields, msgType, "code", "message"); err != nil {
			return nil, err
		}
		if !m.Code.Valid() {
			return nil, formatErrorf(nil, "%s: unknown error code %q", msgType, m.Code)
		}
		return &m, nil

	default:
		return nil, formatErrorf(nil, "unknown message type %q", msgType)
	}
}

// unmarshalStrictShapes decodifica nos campos tipados do destino,
// convertendo erros de shape (string onde esperava bool, etc.) em FormatError.
func unmarshalStrictShapes(data []byte, dst any, msgType MessageType) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return formatErrorf(err, "%s: malformed field", msgType)
	}
	return nil
}

// requireFields verifica a presença das chaves obrigatórias no objeto bruto.
// Presença (não zero-value) é o critério: `"success": false` é válido,
// success ausente não é.
func requireFields(fields map[string]json.RawMessage, msgType MessageType, names ...string) error {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok {
			return formatErrorf(nil, "%s: missing required field %q", msgType, name)
		}
		if string(raw) == "null" {
			return formatErrorf(nil, "%s: required field %q is null", msgType, name)
		}
	}
	return nil
}
