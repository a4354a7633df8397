// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rapidaai/voicebridge/pkg/commons"
	"github.com/rapidaai/voicebridge/config"
)

// ErrMissingIdentifier is returned when Initialize gets neither a call nor an
// auxiliary identifier.
var ErrMissingIdentifier = errors.New("missing call identifier")

// NotificationCallback receives connection-lifecycle and transcript events.
// A single process-wide callback is registered at startup.
type NotificationCallback func(callID, event string, payload map[string]interface{})

// Notification events emitted through the callback.
const (
	EventConnected    = "connected"
	EventSessionReady = "session.ready"
	EventTranscript   = "transcript"
	EventError        = "error"
	EventDisconnected = "disconnected"
	EventClosed       = "closed"
	EventFailed       = "failed"
)

// AudioOutput receives AI-generated audio as PCM16 24 kHz chunks.
type AudioOutput func(callID string, pcm []byte)

type notification struct {
	callID  string
	event   string
	payload map[string]interface{}
}

// reconnectState is the bookkeeping that survives a connection record between
// drop and re-dial: the attempt counter, the pending timer, and the original
// initialize parameters.
type reconnectState struct {
	attempts       int
	timer          *time.Timer
	auxiliaryID    string
	conversationID string
	prompt         string
}

// Bridge manages one realtime speech session per call: connection lifecycle,
// audio buffering and commit timing, reconnection with backoff, and health
// checks. At most one connection record exists per call identifier.
type Bridge struct {
	logger commons.Logger
	cfg    config.RealtimeConfig
	dial   dialFunc

	mu        sync.RWMutex
	conns     map[string]*Connection
	reconnect map[string]*reconnectState

	audioMu sync.RWMutex
	onAudio AudioOutput

	cbMu     sync.RWMutex
	callback NotificationCallback
	notifyCh chan notification

	done     chan struct{}
	stopOnce sync.Once

	// rnd and clock are injectable for testing.
	rnd   func() float64
	clock func() time.Time
}

// NewBridge creates the bridge and starts its notification dispatcher and
// health-check sweep.
func NewBridge(logger commons.Logger, cfg config.RealtimeConfig) *Bridge {
	b := &Bridge{
		logger:    logger,
		cfg:       cfg,
		dial:      gorillaDial(cfg.ConnectTimeout),
		conns:     make(map[string]*Connection),
		reconnect: make(map[string]*reconnectState),
		notifyCh:  make(chan notification, 1024),
		done:      make(chan struct{}),
		rnd:       rand.Float64,
		clock:     time.Now,
	}
	go b.dispatchLoop()
	go b.healthLoop()
	return b
}

// SetNotificationCallback registers the process-wide event callback.
func (b *Bridge) SetNotificationCallback(cb NotificationCallback) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.callback = cb
}

// SetAudioOutput registers the sink for AI-generated audio.
func (b *Bridge) SetAudioOutput(out AudioOutput) {
	b.audioMu.Lock()
	defer b.audioMu.Unlock()
	b.onAudio = out
}

// Initialize opens a realtime session for the call. Re-initializing an
// existing call updates the record in place and succeeds. It fails with
// ErrMissingIdentifier when neither identifier is supplied, and with a
// transport error only when the WebSocket cannot be opened.
func (b *Bridge) Initialize(ctx context.Context, auxiliaryID, callID, conversationID, prompt string) error {
	if callID == "" && auxiliaryID == "" {
		b.logger.Warnw("initialize rejected, no identifier supplied")
		return ErrMissingIdentifier
	}
	key := callID
	if key == "" {
		key = auxiliaryID
	}

	b.mu.Lock()
	if existing, ok := b.conns[key]; ok {
		b.mu.Unlock()
		existing.mu.Lock()
		existing.auxiliaryID = auxiliaryID
		existing.conversationID = conversationID
		existing.prompt = prompt
		existing.mu.Unlock()
		b.logger.Warnw("realtime session already initialized, updating in place", "call_id", key)
		return nil
	}
	// A pending reconnect for this call is superseded by the new dial.
	if rs, ok := b.reconnect[key]; ok && rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	conn := &Connection{
		callID:         key,
		auxiliaryID:    auxiliaryID,
		conversationID: conversationID,
		prompt:         prompt,
		state:          StateConnecting,
		lastEventAt:    b.clock(),
	}
	b.conns[key] = conn
	b.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, err := b.dial(dialCtx, b.cfg.URL+"?model="+b.cfg.Model, header)
	if err != nil {
		b.mu.Lock()
		delete(b.conns, key)
		b.mu.Unlock()
		b.logger.Errorw("failed to open realtime transport", "call_id", key, "error", err)
		return err
	}

	conn.mu.Lock()
	if conn.closedByUs {
		// A disconnect landed while the dial was in flight; the record is
		// gone and its terminal notification already sent.
		conn.mu.Unlock()
		_ = ws.Close()
		b.logger.Warnw("call ended during realtime dial, discarding transport", "call_id", key)
		return nil
	}
	conn.ws = ws
	conn.lastEventAt = b.clock()
	// Initial session configuration goes out as soon as the transport opens.
	if err := ws.WriteJSON(b.sessionConfigMessage(prompt)); err != nil {
		b.logger.Warnw("failed to send session configuration", "call_id", key, "error", err)
	}
	conn.mu.Unlock()

	go b.readLoop(conn, ws)

	b.publish(key, EventConnected, map[string]interface{}{
		"conversation_id": conversationID,
	})
	return nil
}

func (b *Bridge) sessionConfigMessage(prompt string) sessionUpdateEvent {
	return sessionUpdateEvent{
		Type: clientSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"audio", "text"},
			Instructions:      prompt,
			Voice:             b.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
			InputAudioTranscription: &audioTranscription{
				Model: "whisper-1",
			},
		},
	}
}

// SendAudioChunk relays one caller audio chunk to the AI endpoint. Chunks
// arriving before the session is ready are queued and flushed FIFO on
// readiness. With bypassBuffering the chunk is committed immediately instead
// of waiting for the commit heuristic. Missing connections and empty chunks
// are non-fatal.
func (b *Bridge) SendAudioChunk(callID string, data []byte, bypassBuffering bool) {
	conn := b.get(callID)
	if conn == nil {
		b.logger.Debugw("no realtime connection for audio chunk", "call_id", callID)
		return
	}
	if len(data) == 0 {
		b.logger.Warnw("ignoring empty audio chunk", "call_id", callID)
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if !conn.ready() {
		before := len(conn.pendingAudio)
		conn.enqueuePending(data, b.cfg.PendingQueueLimit)
		if len(conn.pendingAudio) == before {
			b.logger.Warnw("pending audio queue full, dropped oldest chunk", "call_id", callID)
		}
		return
	}

	if err := b.appendAudioLocked(conn, data); err != nil {
		b.logger.Warnw("failed to append audio", "call_id", callID, "error", err)
		return
	}
	if conn.state == StateSessionReady {
		_ = conn.transition(StateActive)
	}

	if bypassBuffering {
		b.commitLocked(conn)
		return
	}
	b.scheduleCommitLocked(conn)
}

// appendAudioLocked writes an audio-append message. Caller must hold conn.mu.
func (b *Bridge) appendAudioLocked(conn *Connection, data []byte) error {
	if conn.ws == nil {
		return errors.New("transport not open")
	}
	if err := conn.ws.WriteJSON(audioAppendEvent{
		Type:  clientAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(data),
	}); err != nil {
		return err
	}
	conn.bufferedAudio += pcmDuration(len(data))
	return nil
}

// scheduleCommitLocked (re)arms the commit timer: buffered audio is committed
// after CommitInterval without new caller audio, provided at least
// MinCommitAudio has accumulated. Caller must hold conn.mu.
func (b *Bridge) scheduleCommitLocked(conn *Connection) {
	if conn.commitTimer != nil {
		conn.commitTimer.Stop()
	}
	conn.commitTimer = time.AfterFunc(b.cfg.CommitInterval, func() {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		if !conn.ready() || conn.bufferedAudio < b.cfg.MinCommitAudio {
			return
		}
		b.commitLocked(conn)
	})
}

// commitLocked signals that the buffered audio batch is ready. Caller must
// hold conn.mu.
func (b *Bridge) commitLocked(conn *Connection) {
	if conn.ws == nil {
		return
	}
	if err := conn.ws.WriteJSON(audioCommitEvent{Type: clientAudioCommit}); err != nil {
		b.logger.Warnw("failed to commit audio buffer", "call_id", conn.callID, "error", err)
		return
	}
	conn.bufferedAudio = 0
}

// SendTextMessage injects a text turn into the conversation. Empty text or a
// missing connection is a no-op with a warning.
func (b *Bridge) SendTextMessage(callID, text, role string) {
	if text == "" {
		b.logger.Warnw("ignoring empty text message", "call_id", callID)
		return
	}
	conn := b.get(callID)
	if conn == nil {
		b.logger.Warnw("no realtime connection for text message", "call_id", callID)
		return
	}
	if role == "" {
		role = "user"
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.ws == nil {
		b.logger.Warnw("transport not open for text message", "call_id", callID)
		return
	}
	if err := conn.ws.WriteJSON(itemCreateEvent{
		Type: clientItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		b.logger.Warnw("failed to send text message", "call_id", callID, "error", err)
		return
	}
	if err := conn.ws.WriteJSON(responseCreateEvent{Type: clientResponseCreate}); err != nil {
		b.logger.Warnw("failed to request response", "call_id", callID, "error", err)
	}
}

// Disconnect closes the call's session and clears all bookkeeping. Safe to
// call on an unknown identifier.
func (b *Bridge) Disconnect(callID string) {
	b.Cleanup(callID, true)
}

// Cleanup removes the connection record, pending audio, and timers for the
// identifier. With clearReconnectFlags=false the reconnect bookkeeping is
// preserved (used internally before an intentional re-dial). Idempotent.
func (b *Bridge) Cleanup(callID string, clearReconnectFlags bool) {
	b.mu.Lock()
	conn := b.conns[callID]
	delete(b.conns, callID)
	rs := b.reconnect[callID]
	if clearReconnectFlags && rs != nil {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(b.reconnect, callID)
	}
	b.mu.Unlock()

	var ws wsTransport
	if conn != nil {
		conn.mu.Lock()
		conn.closedByUs = true
		conn.stopTimersLocked()
		conn.pendingAudio = nil
		ws = conn.ws
		conn.ws = nil
		_ = conn.transition(StateClosed)
		conn.mu.Unlock()
	}
	if ws != nil {
		_ = ws.Close()
	}

	if clearReconnectFlags && (conn != nil || rs != nil) {
		b.publish(callID, EventClosed, nil)
	}
}

// IsConnectionReady reports whether the call's session accepts audio.
func (b *Bridge) IsConnectionReady(callID string) bool {
	conn := b.get(callID)
	if conn == nil {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.ready()
}

// ConnectionState returns the session state for the identifier.
func (b *Bridge) ConnectionState(callID string) (ConnState, bool) {
	conn := b.get(callID)
	if conn == nil {
		return StateClosed, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state, true
}

// SessionStatus is the operational view of one session.
type SessionStatus struct {
	CallID            string `json:"call_id"`
	State             string `json:"state"`
	PendingChunks     int    `json:"pending_chunks"`
	PendingDropped    int    `json:"pending_dropped"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// Status returns a summary of every tracked session.
func (b *Bridge) Status() []SessionStatus {
	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	attempts := make(map[string]int, len(b.reconnect))
	for id, rs := range b.reconnect {
		attempts[id] = rs.attempts
	}
	b.mu.RUnlock()

	out := make([]SessionStatus, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, SessionStatus{
			CallID:            c.callID,
			State:             c.state.String(),
			PendingChunks:     len(c.pendingAudio),
			PendingDropped:    c.pendingDropped,
			ReconnectAttempts: attempts[c.callID],
		})
		c.mu.Unlock()
	}
	return out
}

// Publish emits an event through the notification pipeline on behalf of the
// orchestrator (terminal call outcomes, setup failures).
func (b *Bridge) Publish(callID, event string, payload map[string]interface{}) {
	b.publish(callID, event, payload)
}

// Shutdown closes every session and stops the background loops.
func (b *Bridge) Shutdown() {
	b.stopOnce.Do(func() {
		b.mu.RLock()
		ids := make([]string, 0, len(b.conns))
		for id := range b.conns {
			ids = append(ids, id)
		}
		for id := range b.reconnect {
			ids = append(ids, id)
		}
		b.mu.RUnlock()

		for _, id := range ids {
			b.Cleanup(id, true)
		}
		close(b.done)
	})
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (b *Bridge) get(callID string) *Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns[callID]
}

func (b *Bridge) readLoop(conn *Connection, ws wsTransport) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			b.handleTransportClosed(conn, err)
			return
		}

		conn.mu.Lock()
		conn.lastEventAt = b.clock()
		conn.mu.Unlock()

		var evt serverEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			b.logger.Debugw("ignoring undecodable server event", "call_id", conn.callID, "error", err)
			continue
		}
		b.handleServerEvent(conn, &evt)
	}
}

func (b *Bridge) handleServerEvent(conn *Connection, evt *serverEvent) {
	switch evt.Type {
	case serverSessionCreated:
		conn.mu.Lock()
		if err := conn.transition(StateSessionCreated); err != nil {
			b.logger.Debugw("ignoring session.created", "call_id", conn.callID, "error", err)
		}
		conn.mu.Unlock()

	case serverSessionUpdated:
		b.handleSessionReady(conn)

	case serverAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			b.logger.Warnw("dropping undecodable audio delta", "call_id", conn.callID, "error", err)
			return
		}
		b.audioMu.RLock()
		out := b.onAudio
		b.audioMu.RUnlock()
		if out != nil {
			out(conn.callID, pcm)
		}

	case serverAudioTranscriptDone:
		b.publish(conn.callID, EventTranscript, map[string]interface{}{
			"role": "assistant",
			"text": evt.Transcript,
		})

	case serverInputTranscriptDone:
		b.publish(conn.callID, EventTranscript, map[string]interface{}{
			"role": "user",
			"text": evt.Transcript,
		})

	case serverError:
		payload := map[string]interface{}{}
		if evt.Error != nil {
			payload["message"] = evt.Error.Message
			payload["code"] = evt.Error.Code
			b.logger.Errorw("realtime server error",
				"call_id", conn.callID, "code", evt.Error.Code, "message", evt.Error.Message)
		}
		b.publish(conn.callID, EventError, payload)

	case serverResponseDone:
		b.logger.Debugw("response completed", "call_id", conn.callID)
	}
}

// handleSessionReady flushes the pending-audio queue in FIFO order before new
// chunks are accepted, then publishes readiness.
func (b *Bridge) handleSessionReady(conn *Connection) {
	conn.mu.Lock()
	if err := conn.transition(StateSessionReady); err != nil {
		// Repeated session.updated events are normal; readiness stands.
		conn.mu.Unlock()
		return
	}
	queued := conn.pendingAudio
	conn.pendingAudio = nil
	flushed := 0
	for _, chunk := range queued {
		if err := b.appendAudioLocked(conn, chunk); err != nil {
			b.logger.Warnw("failed to flush pending audio", "call_id", conn.callID, "error", err)
			break
		}
		flushed++
	}
	if flushed > 0 {
		b.scheduleCommitLocked(conn)
	}
	conn.mu.Unlock()

	b.logger.Infow("realtime session ready", "call_id", conn.callID, "flushed_chunks", flushed)
	b.publish(conn.callID, EventSessionReady, map[string]interface{}{
		"flushed_chunks": flushed,
	})
}

// handleTransportClosed reacts to an unexpected transport drop: the record is
// discarded (reconnect bookkeeping preserved) and a re-dial is scheduled.
func (b *Bridge) handleTransportClosed(conn *Connection, err error) {
	conn.mu.Lock()
	if conn.closedByUs {
		conn.mu.Unlock()
		return
	}
	callID := conn.callID
	auxID := conn.auxiliaryID
	convID := conn.conversationID
	prompt := conn.prompt
	_ = conn.transition(StateReconnecting)
	conn.mu.Unlock()

	b.logger.Warnw("realtime transport lost", "call_id", callID, "error", err)
	b.publish(callID, EventDisconnected, map[string]interface{}{"error": err.Error()})

	b.Cleanup(callID, false)
	b.scheduleReconnect(callID, auxID, convID, prompt)
}

func (b *Bridge) scheduleReconnect(callID, auxID, convID, prompt string) {
	b.mu.Lock()
	rs, ok := b.reconnect[callID]
	if !ok {
		rs = &reconnectState{
			auxiliaryID:    auxID,
			conversationID: convID,
			prompt:         prompt,
		}
		b.reconnect[callID] = rs
	}

	if rs.attempts >= b.cfg.MaxReconnectAttempts {
		delete(b.reconnect, callID)
		attempts := rs.attempts
		b.mu.Unlock()
		b.logger.Errorw("reconnect attempts exhausted, closing call",
			"call_id", callID, "attempts", attempts)
		b.publish(callID, EventFailed, map[string]interface{}{"attempts": attempts})
		return
	}

	delay := reconnectDelay(rs.attempts, b.cfg.ReconnectBase, b.cfg.ReconnectMax, b.cfg.ReconnectJitter, b.rnd)
	rs.attempts++
	attempt := rs.attempts
	rs.timer = time.AfterFunc(delay, func() { b.attemptReconnect(callID) })
	b.mu.Unlock()

	b.logger.Infow("scheduled realtime reconnect",
		"call_id", callID, "attempt", attempt, "delay", delay.String())
}

func (b *Bridge) attemptReconnect(callID string) {
	b.mu.RLock()
	rs := b.reconnect[callID]
	b.mu.RUnlock()
	if rs == nil {
		// Cancelled by an explicit disconnect.
		return
	}

	err := b.Initialize(context.Background(), rs.auxiliaryID, callID, rs.conversationID, rs.prompt)
	if err != nil {
		b.scheduleReconnect(callID, rs.auxiliaryID, rs.conversationID, rs.prompt)
		return
	}

	// Successful re-dial ends the outage; the attempt counter resets.
	b.mu.Lock()
	if cur, ok := b.reconnect[callID]; ok && cur == rs {
		delete(b.reconnect, callID)
	}
	b.mu.Unlock()
}

// healthLoop periodically sweeps all sessions for stalls. A stalled transport
// is closed, which routes it through the normal reconnect path.
func (b *Bridge) healthLoop() {
	if b.cfg.HealthCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweepStalled()
		}
	}
}

func (b *Bridge) sweepStalled() {
	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		stalled := conn.ws != nil && b.clock().Sub(conn.lastEventAt) > b.cfg.StallTimeout
		ws := conn.ws
		callID := conn.callID
		idle := b.clock().Sub(conn.lastEventAt)
		conn.mu.Unlock()

		if stalled {
			b.logger.Warnw("realtime session stalled, forcing reconnect",
				"call_id", callID, "idle", idle.String())
			_ = ws.Close()
		}
	}
}

// publish queues a notification; when the queue is full the event is dropped
// rather than blocking a call path.
func (b *Bridge) publish(callID, event string, payload map[string]interface{}) {
	select {
	case b.notifyCh <- notification{callID: callID, event: event, payload: payload}:
	default:
		b.logger.Warnw("notification queue full, dropping event",
			"call_id", callID, "event", event)
	}
}

// dispatchLoop drains the notification queue into the registered callback.
// Callback panics are caught and logged, never propagated.
func (b *Bridge) dispatchLoop() {
	for {
		select {
		case <-b.done:
			return
		case n := <-b.notifyCh:
			b.cbMu.RLock()
			cb := b.callback
			b.cbMu.RUnlock()
			if cb == nil {
				continue
			}
			b.invoke(cb, n)
		}
	}
}

func (b *Bridge) invoke(cb NotificationCallback, n notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("notification callback panicked",
				"call_id", n.callID, "event", n.event, "panic", r)
		}
	}()
	cb(n.callID, n.event, n.payload)
}

// pcmDuration converts a PCM16 24 kHz byte count to wall time.
func pcmDuration(numBytes int) time.Duration {
	const bytesPerMs = 24000 * 2 / 1000
	return time.Duration(numBytes/bytesPerMs) * time.Millisecond
}
