// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the per-call session state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateSessionCreated
	StateSessionReady
	StateActive
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSessionCreated:
		return "session_created"
	case StateSessionReady:
		return "session_ready"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions is the single authority on legal state moves; everything
// else is rejected instead of checked ad hoc at call sites.
var validTransitions = map[ConnState][]ConnState{
	StateConnecting:     {StateSessionCreated, StateReconnecting, StateClosed},
	StateSessionCreated: {StateSessionReady, StateReconnecting, StateClosed},
	StateSessionReady:   {StateActive, StateReconnecting, StateClosed},
	StateActive:         {StateReconnecting, StateClosed},
	StateReconnecting:   {StateConnecting, StateClosed},
	StateClosed:         {},
}

// wsTransport abstracts the WebSocket connection so tests can substitute a
// fake. *websocket.Conn satisfies it.
type wsTransport interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsTransport, error)

func gorillaDial(timeout time.Duration) dialFunc {
	return func(ctx context.Context, url string, header http.Header) (wsTransport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(16 * 1024 * 1024)
		return conn, nil
	}
}

// Connection is one call's session record: transport, state, pending-audio
// queue, and commit bookkeeping. All fields are guarded by mu.
type Connection struct {
	mu sync.Mutex

	callID         string
	auxiliaryID    string
	conversationID string
	prompt         string

	state ConnState
	ws    wsTransport

	pendingAudio   [][]byte
	pendingDropped int

	commitTimer   *time.Timer
	bufferedAudio time.Duration // audio appended since the last commit

	lastEventAt time.Time
	closedByUs  bool
}

// transition moves the connection to a new state, rejecting illegal moves.
// Caller must hold mu.
func (c *Connection) transition(to ConnState) error {
	for _, allowed := range validTransitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal state transition %s -> %s for call %s", c.state, to, c.callID)
}

// ready reports whether audio can be sent directly. Caller must hold mu.
func (c *Connection) ready() bool {
	return c.state == StateSessionReady || c.state == StateActive
}

// enqueuePending appends a chunk to the bounded pre-ready queue, dropping the
// oldest chunk when full. Caller must hold mu.
func (c *Connection) enqueuePending(data []byte, limit int) {
	if limit > 0 && len(c.pendingAudio) >= limit {
		c.pendingAudio = c.pendingAudio[1:]
		c.pendingDropped++
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.pendingAudio = append(c.pendingAudio, buf)
}

// stopTimersLocked cancels the commit timer. Caller must hold mu.
func (c *Connection) stopTimersLocked() {
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		c.commitTimer = nil
	}
}
