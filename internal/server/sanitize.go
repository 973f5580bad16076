// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"strings"
)

// maxClientIDLength é o comprimento máximo permitido para um clientId.
const maxClientIDLength = 255

// validateClientID valida que um clientId é seguro para uso em logs,
// paths de API e como chave do registry. Previne path traversal.
func validateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("clientId cannot be empty")
	}

	if len(id) > maxClientIDLength {
		return fmt.Errorf("clientId exceeds max length %d", maxClientIDLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("clientId contains path separator")
	}

	// Rejeita NUL byte
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("clientId contains null byte")
	}

	// Rejeita path traversal
	if id == "." || id == ".." || strings.HasPrefix(id, "..") {
		return fmt.Errorf("clientId contains path traversal")
	}

	// Rejeita ids que começam com ponto
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("clientId starts with dot")
	}

	// Rejeita whitespace e caracteres de controle
	for _, r := range id {
		if r < 0x21 || r == 0x7f {
			return fmt.Errorf("clientId contains control or whitespace character")
		}
	}

	return nil
}
