// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"net/http"
)

// ErrorKind é a taxonomia fechada de erros do protocolo e do control plane.
type ErrorKind string

// Kinds de erro (conjunto fechado).
const (
	KindClientNotFound      ErrorKind = "CLIENT_NOT_FOUND"
	KindClientNotConnected  ErrorKind = "CLIENT_NOT_CONNECTED"
	KindFileNotFound        ErrorKind = "FILE_NOT_FOUND"
	KindFileReadError       ErrorKind = "FILE_READ_ERROR"
	KindPermissionDenied    ErrorKind = "PERMISSION_DENIED"
	KindDownloadInProgress  ErrorKind = "DOWNLOAD_IN_PROGRESS"
	KindDownloadTimeout     ErrorKind = "DOWNLOAD_TIMEOUT"
	KindChunkChecksumFailed ErrorKind = "CHUNK_CHECKSUM_FAILED"
	KindChunkTransferFailed ErrorKind = "CHUNK_TRANSFER_FAILED"
	KindInvalidRequest      ErrorKind = "INVALID_REQUEST"
)

// Valid verifica se o kind pertence ao conjunto fechado.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindClientNotFound, KindClientNotConnected, KindFileNotFound,
		KindFileReadError, KindPermissionDenied, KindDownloadInProgress,
		KindDownloadTimeout, KindChunkChecksumFailed, KindChunkTransferFailed,
		KindInvalidRequest:
		return true
	}
	return false
}

// HTTPStatus mapeia o kind para o status HTTP do control plane.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindClientNotFound, KindFileNotFound:
		return http.StatusNotFound
	case KindClientNotConnected:
		return http.StatusServiceUnavailable
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindDownloadInProgress:
		return http.StatusConflict
	case KindDownloadTimeout:
		return http.StatusRequestTimeout
	case KindChunkChecksumFailed:
		return http.StatusUnprocessableEntity
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		// FILE_READ_ERROR, CHUNK_TRANSFER_FAILED e kinds futuros
		return http.StatusInternalServerError
	}
}

// TransferError é o tipo de erro interno único: carrega o kind, uma mensagem
// legível, detalhes estruturados opcionais e preserva a cadeia de causas
// para logging via errors.Unwrap.
type TransferError struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

// NewError cria um TransferError sem causa.
func NewError(kind ErrorKind, message string) *TransferError {
	return &TransferError{Kind: kind, Message: message}
}

// WrapError cria um TransferError preservando a causa.
func WrapError(kind ErrorKind, message string, cause error) *TransferError {
	return &TransferError{Kind: kind, Message: message, cause: cause}
}

// Error implementa error.
func (e *TransferError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap expõe a causa para errors.Is/As.
func (e *TransferError) Unwrap() error { return e.cause }

// WithDetail adiciona um detalhe estruturado e retorna o próprio erro.
func (e *TransferError) WithDetail(key string, value any) *TransferError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ToMessage converte o erro para a mensagem ERROR do wire.
func (e *TransferError) ToMessage() *ErrorMessage {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return &ErrorMessage{Code: e.Kind, Message: e.Message, Details: details}
}
