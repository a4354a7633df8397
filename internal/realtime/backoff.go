// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_realtime

import "time"

// reconnectDelay computes the wait before reconnect attempt n:
//
//	delay = min(max, base * 2^attempt) * (1 ± jitter)
//
// rnd must return a value in [0, 1). The result never drops below zero and is
// non-decreasing in attempt up to the cap (modulo jitter).
func reconnectDelay(attempt int, base, max time.Duration, jitter float64, rnd func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	if backoff > max {
		backoff = max
	}

	if jitter <= 0 {
		return backoff
	}

	// Spread uniformly over [1-jitter, 1+jitter].
	factor := 1 - jitter + 2*jitter*rnd()
	return time.Duration(float64(backoff) * factor)
}
