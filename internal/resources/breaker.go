// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_resources

import (
	"errors"
	"sync"
	"time"

	"github.com/rapidaai/voicebridge/pkg/commons"
)

// ErrCircuitOpen is returned while the breaker rejects attempts.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the telephony control connection from
// repeated-failure storms. After threshold consecutive failures within the
// sliding window it opens and rejects attempts immediately; after the
// cooldown one trial attempt is allowed.
type CircuitBreaker struct {
	logger    commons.Logger
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	trial    bool // a half-open trial is in flight

	// clock is injectable for testing; defaults to time.Now.
	clock func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(logger commons.Logger, threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		logger:    logger,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     BreakerClosed,
		clock:     time.Now,
	}
}

// Execute runs fn through the breaker. While open it fails immediately with
// ErrCircuitOpen; in half-open state only one trial runs at a time.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current breaker state, applying the cooldown transition.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()

	switch cb.state {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.trial {
			return ErrCircuitOpen
		}
		cb.trial = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()

	if cb.state == BreakerHalfOpen {
		cb.trial = false
		if err != nil {
			cb.state = BreakerOpen
			cb.openedAt = now
			cb.logger.Warnw("circuit breaker trial failed, reopening", "error", err)
			return
		}
		cb.state = BreakerClosed
		cb.failures = nil
		cb.logger.Infow("circuit breaker closed after successful trial")
		return
	}

	if err == nil {
		cb.failures = nil
		return
	}

	// Prune failures outside the sliding window.
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = append(kept, now)

	if len(cb.failures) >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.failures = nil
		cb.logger.Warnw("circuit breaker opened",
			"threshold", cb.threshold, "cooldown", cb.cooldown.String())
	}
}

// maybeHalfOpen transitions Open -> HalfOpen once the cooldown has elapsed.
// Caller must hold the mutex.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.clock().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.trial = false
	}
}
