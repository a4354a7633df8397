// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calls

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/voicebridge/pkg/commons"
)

// ErrCallNotFound is returned when a call identifier is not tracked.
var ErrCallNotFound = errors.New("call not found")

// Tracker is the authoritative map of active calls. Mutations for one call
// are atomic relative to concurrent reads of the same call; different calls
// never block each other beyond the map access itself.
type Tracker struct {
	logger commons.Logger

	mu    sync.RWMutex
	calls map[string]*CallSession
}

// NewTracker creates an empty tracker.
func NewTracker(logger commons.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		calls:  make(map[string]*CallSession),
	}
}

// Add registers a new call session. Adding an already-tracked identifier is
// an error: the first inbound event owns session creation.
func (t *Tracker) Add(session *CallSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[session.CallID]; ok {
		return fmt.Errorf("call %s already tracked", session.CallID)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	t.calls[session.CallID] = session

	t.logger.Debugw("tracking call", "call_id", session.CallID, "channel_id", session.ChannelID)
	return nil
}

// Get returns a snapshot copy of the session.
func (t *Tracker) Get(callID string) (CallSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.calls[callID]
	if !ok {
		return CallSession{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return *session, nil
}

// Has reports whether the call is tracked.
func (t *Tracker) Has(callID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.calls[callID]
	return ok
}

// Update applies a partial mutation to the session under the tracker lock.
func (t *Tracker) Update(callID string, mutate func(*CallSession)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	mutate(session)
	return nil
}

// Remove drops the session. Removing an untracked identifier returns the
// session-absent signal without logging noise; duplicate platform events make
// this a normal occurrence.
func (t *Tracker) Remove(callID string) (CallSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.calls[callID]
	if !ok {
		return CallSession{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	delete(t.calls, callID)

	t.logger.Debugw("untracked call", "call_id", callID, "state", session.State.String())
	return *session, nil
}

// FindByRTPPort resolves the call leasing the given RTP read port.
func (t *Tracker) FindByRTPPort(port int) (CallSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, session := range t.calls {
		if session.Ports.Read == port {
			return *session, true
		}
	}
	return CallSession{}, false
}

// FindByChannel resolves a call by any of its channel identifiers (primary,
// external media, snoop).
func (t *Tracker) FindByChannel(channelID string) (CallSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, session := range t.calls {
		if session.ChannelID == channelID ||
			session.ExternalMediaID == channelID ||
			session.SnoopID == channelID {
			return *session, true
		}
	}
	return CallSession{}, false
}

// Count returns the number of tracked calls.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

// Summaries returns the operational view of every tracked call.
func (t *Tracker) Summaries() []Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Summary, 0, len(t.calls))
	for _, session := range t.calls {
		out = append(out, session.summary())
	}
	return out
}
