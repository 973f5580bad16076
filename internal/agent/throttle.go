// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize é o burst máximo do token bucket (256KB).
const maxBurstSize = 256 * 1024

// ChunkThrottle limita a taxa de envio de chunks a bytesPerSec via token
// bucket. Com taxa <= 0, o throttle vira bypass.
type ChunkThrottle struct {
	limiter *rate.Limiter
}

// NewChunkThrottle cria o throttle com a taxa máxima em bytes/segundo.
func NewChunkThrottle(bytesPerSec int64) *ChunkThrottle {
	if bytesPerSec <= 0 {
		return &ChunkThrottle{}
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ChunkThrottle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

// Wait bloqueia até haver tokens para n bytes, consumindo em pedaços de no
// máximo um burst para evitar reservas enormes.
func (t *ChunkThrottle) Wait(ctx context.Context, n int) error {
	if t.limiter == nil {
		return nil
	}

	for n > 0 {
		chunk := n
		if chunk > t.limiter.Burst() {
			chunk = t.limiter.Burst()
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}

	return nil
}
