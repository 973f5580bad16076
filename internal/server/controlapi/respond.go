// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nishisan-dev/n-fetch/internal/protocol"
)

// errorBody é o envelope uniforme de erro do control plane.
type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code      protocol.ErrorKind `json:"code"`
	Message   string             `json:"message"`
	Details   map[string]any     `json:"details"`
	Timestamp string             `json:"timestamp"`
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// writeError mapeia o erro para o status HTTP da taxonomia e emite o
// envelope uniforme. Erros fora da taxonomia viram 500.
func writeError(w http.ResponseWriter, err error) {
	var te *protocol.TransferError
	if !errors.As(err, &te) {
		te = protocol.WrapError(protocol.KindFileReadError, "internal error", err)
	}

	details := te.Details
	if details == nil {
		details = map[string]any{}
	}

	writeJSON(w, te.Kind.HTTPStatus(), errorBody{
		Success: false,
		Error: errorDetail{
			Code:      te.Kind,
			Message:   te.Message,
			Details:   details,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}
