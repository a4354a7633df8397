// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voicebridge/config"
	internal_ari "github.com/rapidaai/voicebridge/internal/ari"
	internal_calls "github.com/rapidaai/voicebridge/internal/calls"
	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_realtime "github.com/rapidaai/voicebridge/internal/realtime"
	internal_records "github.com/rapidaai/voicebridge/internal/records"
	internal_resources "github.com/rapidaai/voicebridge/internal/resources"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// defaultPrompt primes the assistant when no patient record matches the
// caller.
const defaultPrompt = "You are a friendly clinic assistant handling phone calls. " +
	"Help callers schedule, reschedule or cancel appointments, answer questions " +
	"about opening hours, and take messages for the care team. Keep answers short " +
	"and speak naturally. Never give medical advice; offer to connect the caller " +
	"with a clinician instead."

// Telephony is the control surface the orchestrator drives. Satisfied by the
// REST commander.
type Telephony interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context) (string, error)
	DestroyBridge(ctx context.Context, bridgeID string) error
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	ExternalMedia(ctx context.Context, channelID, externalHost string) (*internal_ari.Channel, error)
	SnoopChannel(ctx context.Context, channelID, snoopID, direction string) (*internal_ari.Channel, error)
	Play(ctx context.Context, channelID, mediaURI string) (*internal_ari.Playback, error)
	StartRecording(ctx context.Context, bridgeID, name string) error
	StopRecording(ctx context.Context, name string) error
	Originate(ctx context.Context, endpoint, callerID, appArgs string) (*internal_ari.Channel, error)
}

// Assistant is the speech-AI surface. Satisfied by the realtime bridge.
type Assistant interface {
	Initialize(ctx context.Context, auxiliaryID, callID, conversationID, prompt string) error
	SendAudioChunk(callID string, data []byte, bypassBuffering bool)
	SendTextMessage(callID, text, role string)
	Disconnect(callID string)
	IsConnectionReady(callID string) bool
}

// Orchestrator ties the pieces of one call together: telephony events in,
// media endpoints and an assistant session per call, cleanup on any exit
// path. Events are serialized per call through a worker queue.
type Orchestrator struct {
	logger    commons.Logger
	cfg       *config.BridgeConfig
	telephony Telephony
	assistant Assistant
	media     MediaFactory
	tracker   *internal_calls.Tracker
	ports     *internal_ports.Manager
	store     internal_records.Store

	mu        sync.Mutex
	queues    map[string]chan *internal_ari.Event
	listeners map[string]MediaListener
	senders   map[string]MediaSender
	closed    bool
	wg        sync.WaitGroup
}

// NewOrchestrator wires the call orchestrator.
func NewOrchestrator(
	logger commons.Logger,
	cfg *config.BridgeConfig,
	telephony Telephony,
	assistant Assistant,
	media MediaFactory,
	tracker *internal_calls.Tracker,
	ports *internal_ports.Manager,
	store internal_records.Store,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		cfg:       cfg,
		telephony: telephony,
		assistant: assistant,
		media:     media,
		tracker:   tracker,
		ports:     ports,
		store:     store,
		queues:    make(map[string]chan *internal_ari.Event),
		listeners: make(map[string]MediaListener),
		senders:   make(map[string]MediaSender),
	}
}

// ownerCallID maps auxiliary channel identifiers back to their call.
func ownerCallID(channelID string) string {
	if rest, ok := strings.CutPrefix(channelID, "em-"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(channelID, "snoop-"); ok {
		return rest
	}
	return channelID
}

// HandleEvent routes one application event onto the owning call's queue.
// Events for unknown calls only open a queue when they begin a call.
func (o *Orchestrator) HandleEvent(evt *internal_ari.Event) {
	if evt.Channel == nil {
		o.logger.Debugw("ignoring event without channel", "type", evt.Type)
		return
	}
	switch evt.Type {
	case internal_ari.EventStasisStart,
		internal_ari.EventStasisEnd,
		internal_ari.EventChannelDestroyed,
		internal_ari.EventChannelHangupRequest:
	default:
		o.logger.Debugw("ignoring event", "type", evt.Type, "channel", evt.Channel.ID)
		return
	}

	key := ownerCallID(evt.Channel.ID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	q, ok := o.queues[key]
	if !ok {
		if evt.Type != internal_ari.EventStasisStart {
			o.logger.Debugw("dropping event for unknown call", "type", evt.Type, "channel", evt.Channel.ID)
			return
		}
		q = make(chan *internal_ari.Event, 32)
		o.queues[key] = q
		o.wg.Add(1)
		go o.worker(key, q)
	}
	select {
	case q <- evt:
	default:
		o.logger.Warnw("event queue full, dropping event", "call_id", key, "type", evt.Type)
	}
}

func (o *Orchestrator) worker(key string, q chan *internal_ari.Event) {
	defer o.wg.Done()
	for evt := range q {
		o.process(key, evt)
	}
}

func (o *Orchestrator) process(key string, evt *internal_ari.Event) {
	switch evt.Type {
	case internal_ari.EventStasisStart:
		if evt.Channel.ID != key {
			o.handleAuxiliaryStart(key, evt)
			return
		}
		if o.tracker.Has(key) {
			o.logger.Warnw("duplicate call start", "call_id", key)
			return
		}
		o.handleCallStart(evt)

	case internal_ari.EventStasisEnd, internal_ari.EventChannelDestroyed:
		o.EndCall(key, internal_records.ConversationCompleted)

	case internal_ari.EventChannelHangupRequest:
		o.logger.Infow("hangup requested", "call_id", key, "cause", evt.Cause)
		o.EndCall(key, internal_records.ConversationCompleted)
	}
}

// handleCallStart runs the full setup sequence for a new primary channel.
// Any failure tears down everything acquired so far and hangs up the caller.
func (o *Orchestrator) handleCallStart(evt *internal_ari.Event) {
	callID := evt.Channel.ID
	caller := evt.Channel.Caller.Number
	o.logger.Infow("call entering application", "call_id", callID, "caller", caller)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ChannelSetupTimeout)
	defer cancel()

	pair, err := o.ports.Allocate(callID)
	if err != nil {
		o.logger.Errorw("no media ports for call", "call_id", callID, "error", err)
		o.hangupQuietly(callID)
		return
	}

	res := internal_resources.NewSet(o.logger)
	res.Add(internal_resources.NewResource("ports", callID, func(context.Context) error {
		o.ports.Release(callID)
		return nil
	}))

	sess := &internal_calls.CallSession{
		CallID:       callID,
		ChannelID:    callID,
		State:        internal_calls.StateRinging,
		Ports:        pair,
		CallerNumber: caller,
		Resources:    res,
	}
	if err := o.tracker.Add(sess); err != nil {
		o.logger.Errorw("failed to track call", "call_id", callID, "error", err)
		o.ports.Release(callID)
		o.hangupQuietly(callID)
		return
	}

	fail := func(step string, err error) {
		o.logger.Errorw("call setup failed", "call_id", callID, "step", step, "error", err)
		o.EndCall(callID, internal_records.ConversationFailed)
		o.hangupQuietly(callID)
	}

	prompt, patientID := o.buildPrompt(ctx, caller)
	conversationID := "conv-" + uuid.NewString()
	if err := o.store.CreateConversation(ctx, &internal_records.Conversation{
		CallID:       callID,
		PatientID:    patientID,
		CallerNumber: caller,
		Direction:    internal_records.DirectionInbound,
	}); err != nil {
		// Record keeping must not kill the call.
		o.logger.Warnw("failed to create conversation record", "call_id", callID, "error", err)
	}
	_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
		s.ConversationID = conversationID
		s.PatientID = strconv.FormatUint(patientID, 10)
	})

	if err := o.telephony.Answer(ctx, callID); err != nil {
		fail("answer", err)
		return
	}
	_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
		if s.State == internal_calls.StateRinging {
			s.State = internal_calls.StateAnswered
		}
	})
	if o.setupAborted(callID, "answer") {
		return
	}

	bridgeID, err := o.telephony.CreateBridge(ctx)
	if err != nil {
		fail("create bridge", err)
		return
	}
	res.Add(internal_resources.NewResource("bridge", bridgeID, func(ctx context.Context) error {
		return o.telephony.DestroyBridge(ctx, bridgeID)
	}))
	if o.setupAborted(callID, "create bridge") {
		return
	}
	if err := o.telephony.AddChannel(ctx, bridgeID, callID); err != nil {
		fail("bridge primary channel", err)
		return
	}
	_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
		s.BridgeID = bridgeID
	})

	listener := o.media.NewListener(callID, o.onCallerAudio, func(addr *net.UDPAddr) {
		o.setSenderDestination(callID, addr)
	})
	if err := listener.Start(pair.Read); err != nil {
		fail("start media listener", err)
		return
	}
	o.mu.Lock()
	o.listeners[callID] = listener
	o.mu.Unlock()
	res.Add(internal_resources.NewResource("rtp-listener", callID, func(context.Context) error {
		listener.Stop()
		o.mu.Lock()
		delete(o.listeners, callID)
		o.mu.Unlock()
		return nil
	}))

	sender := o.media.NewSender(callID)
	if err := sender.Start(pair.Write); err != nil {
		fail("start media sender", err)
		return
	}
	o.mu.Lock()
	o.senders[callID] = sender
	o.mu.Unlock()
	res.Add(internal_resources.NewResource("rtp-sender", callID, func(context.Context) error {
		sender.Stop()
		o.mu.Lock()
		delete(o.senders, callID)
		o.mu.Unlock()
		return nil
	}))

	// Media channels and the assistant session come up in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		host := net.JoinHostPort(o.cfg.RTP.Host, strconv.Itoa(pair.Read))
		ch, err := o.telephony.ExternalMedia(gctx, "em-"+callID, host)
		if err != nil {
			return fmt.Errorf("external media: %w", err)
		}
		// Registration first: on a call torn down mid-setup the closed set
		// hangs the channel up right here.
		res.Add(internal_resources.NewResource("channel", ch.ID, func(ctx context.Context) error {
			return o.telephony.Hangup(ctx, ch.ID)
		}))
		_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
			s.ExternalMediaID = ch.ID
		})
		return nil
	})
	g.Go(func() error {
		ch, err := o.telephony.SnoopChannel(gctx, callID, "snoop-"+callID, "in")
		if err != nil {
			return fmt.Errorf("snoop channel: %w", err)
		}
		res.Add(internal_resources.NewResource("channel", ch.ID, func(ctx context.Context) error {
			return o.telephony.Hangup(ctx, ch.ID)
		}))
		_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
			s.SnoopID = ch.ID
		})
		return nil
	})
	g.Go(func() error {
		if err := o.assistant.Initialize(gctx, "", callID, conversationID, prompt); err != nil {
			return fmt.Errorf("assistant session: %w", err)
		}
		res.Add(internal_resources.NewResource("assistant", callID, func(context.Context) error {
			o.assistant.Disconnect(callID)
			return nil
		}))
		return nil
	})
	if err := g.Wait(); err != nil {
		fail("media setup", err)
		return
	}
	if o.setupAborted(callID, "media setup") {
		return
	}

	recording := "call-" + callID
	if err := o.telephony.StartRecording(ctx, bridgeID, recording); err != nil {
		o.logger.Warnw("failed to start recording", "call_id", callID, "error", err)
	} else {
		res.Add(internal_resources.NewResource("recording", recording, func(ctx context.Context) error {
			return o.telephony.StopRecording(ctx, recording)
		}))
	}

	_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
		if s.State == internal_calls.StateAnswered {
			s.State = internal_calls.StateMediaActive
		}
	})
	o.logger.Infow("call setup complete",
		"call_id", callID, "bridge_id", bridgeID,
		"read_port", pair.Read, "write_port", pair.Write)
}

// setupAborted reports whether a concurrent hangup tore the call down while a
// setup step was in flight. Resources acquired after the teardown drain are
// released the moment they join the call's closed set; setup only has to stop
// issuing new work.
func (o *Orchestrator) setupAborted(callID, step string) bool {
	sess, err := o.tracker.Get(callID)
	if err == nil && sess.State != internal_calls.StateEnding && sess.State != internal_calls.StateTerminated {
		return false
	}
	o.logger.Infow("call ended during setup, stopping", "call_id", callID, "step", step)
	return true
}

// handleAuxiliaryStart joins a media channel to its call's mixing bridge.
func (o *Orchestrator) handleAuxiliaryStart(key string, evt *internal_ari.Event) {
	sess, err := o.tracker.Get(key)
	if err != nil {
		o.logger.Warnw("auxiliary channel for unknown call", "channel", evt.Channel.ID)
		o.hangupQuietly(evt.Channel.ID)
		return
	}

	if strings.HasPrefix(evt.Channel.ID, "snoop-") {
		// Snoop channels observe; they stay out of the mixing bridge.
		o.logger.Debugw("snoop channel active", "call_id", key, "channel", evt.Channel.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OperationTimeout)
	defer cancel()
	if err := o.telephony.AddChannel(ctx, sess.BridgeID, evt.Channel.ID); err != nil {
		o.logger.Errorw("failed to bridge media channel",
			"call_id", key, "channel", evt.Channel.ID, "error", err)
		o.EndCall(key, internal_records.ConversationFailed)
		return
	}
	o.logger.Infow("media channel bridged", "call_id", key, "channel", evt.Channel.ID)
}

// EndCall releases everything the call holds. Safe to call from any
// goroutine and idempotent: the first caller claims the teardown by moving
// the session to Ending, everyone else returns immediately.
func (o *Orchestrator) EndCall(callID, status string) {
	var sess internal_calls.CallSession
	claimed := false
	err := o.tracker.Update(callID, func(s *internal_calls.CallSession) {
		if s.State == internal_calls.StateEnding || s.State == internal_calls.StateTerminated {
			return
		}
		sess = *s
		s.State = internal_calls.StateEnding
		claimed = true
	})
	if err != nil {
		o.logger.Debugw("end of untracked call", "call_id", callID)
		o.removeQueue(callID)
		return
	}
	if !claimed {
		// Teardown already running on another goroutine.
		return
	}
	o.logger.Infow("ending call", "call_id", callID, "status", status, "state", sess.State.String())

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OperationTimeout)
	defer cancel()

	if errs := sess.Resources.Cleanup(ctx); len(errs) > 0 {
		o.logger.Warnw("cleanup finished with errors", "call_id", callID, "errors", len(errs))
	}
	if err := o.telephony.Hangup(ctx, sess.ChannelID); err != nil {
		o.logger.Warnw("failed to hang up channel", "call_id", callID, "error", err)
	}
	if err := o.store.EndConversation(ctx, callID, status); err != nil {
		o.logger.Debugw("no conversation record to close", "call_id", callID, "error", err)
	}
	_ = o.tracker.Update(callID, func(s *internal_calls.CallSession) {
		s.State = internal_calls.StateTerminated
	})
	if _, err := o.tracker.Remove(callID); err != nil {
		o.logger.Debugw("call already untracked", "call_id", callID, "error", err)
	}
	o.removeQueue(callID)
}

func (o *Orchestrator) removeQueue(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.queues[callID]; ok {
		delete(o.queues, callID)
		close(q)
	}
}

func (o *Orchestrator) hangupQuietly(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OperationTimeout)
	defer cancel()
	if err := o.telephony.Hangup(ctx, channelID); err != nil {
		o.logger.Warnw("failed to hang up channel", "channel", channelID, "error", err)
	}
}

// buildPrompt looks the caller up and augments the base prompt with their
// context when a record exists.
func (o *Orchestrator) buildPrompt(ctx context.Context, callerNumber string) (string, uint64) {
	if callerNumber == "" {
		return defaultPrompt, 0
	}
	patient, err := o.store.FindPatientByPhone(ctx, callerNumber)
	if err != nil {
		return defaultPrompt, 0
	}
	prompt := defaultPrompt +
		" You are speaking with " + patient.FullName + "."
	if patient.Notes != "" {
		prompt += " Notes from the care team: " + patient.Notes
	}
	return prompt, patient.ID
}

// onCallerAudio relays caller audio into the assistant session.
func (o *Orchestrator) onCallerAudio(callID string, pcm []byte) {
	o.assistant.SendAudioChunk(callID, pcm, false)
}

// DeliverAssistantAudio routes assistant audio to the call's media sender.
// Registered as the realtime bridge's audio output.
func (o *Orchestrator) DeliverAssistantAudio(callID string, pcm []byte) {
	o.mu.Lock()
	sender := o.senders[callID]
	o.mu.Unlock()
	if sender == nil {
		o.logger.Debugw("no media sender for assistant audio", "call_id", callID)
		return
	}
	sender.Send(pcm)
}

func (o *Orchestrator) setSenderDestination(callID string, addr *net.UDPAddr) {
	o.mu.Lock()
	sender := o.senders[callID]
	o.mu.Unlock()
	if sender == nil {
		return
	}
	sender.SetDestination(addr)
	o.logger.Infow("media peer learned", "call_id", callID, "peer", addr.String())
}

// HandleAssistantEvent reacts to realtime bridge notifications. Registered
// as the bridge's notification callback.
func (o *Orchestrator) HandleAssistantEvent(callID, event string, payload map[string]interface{}) {
	switch event {
	case internal_realtime.EventTranscript:
		role, _ := payload["role"].(string)
		text, _ := payload["text"].(string)
		if text == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OperationTimeout)
		defer cancel()
		if err := o.store.AppendTranscript(ctx, callID, role, text); err != nil {
			o.logger.Warnw("failed to store transcript", "call_id", callID, "error", err)
		}

	case internal_realtime.EventFailed:
		o.logger.Errorw("assistant session failed, ending call", "call_id", callID)
		o.EndCall(callID, internal_records.ConversationFailed)

	case internal_realtime.EventError:
		o.logger.Warnw("assistant reported error", "call_id", callID, "payload", payload)

	default:
		o.logger.Debugw("assistant event", "call_id", callID, "event", event)
	}
}

// StartOutboundCall originates a call; setup continues when the answered
// channel enters the application.
func (o *Orchestrator) StartOutboundCall(ctx context.Context, endpoint, callerID, patientPhone string) (string, error) {
	ch, err := o.telephony.Originate(ctx, endpoint, callerID, "phone="+patientPhone)
	if err != nil {
		return "", err
	}
	o.logger.Infow("outbound call originated", "channel", ch.ID, "endpoint", endpoint)
	return ch.ID, nil
}

// PlayMedia plays an announcement on the call's primary channel.
func (o *Orchestrator) PlayMedia(ctx context.Context, callID, mediaURI string) error {
	sess, err := o.tracker.Get(callID)
	if err != nil {
		return err
	}
	_, err = o.telephony.Play(ctx, sess.ChannelID, mediaURI)
	return err
}

// ActiveCalls returns summaries of every tracked call.
func (o *Orchestrator) ActiveCalls() []internal_calls.Summary {
	return o.tracker.Summaries()
}

// CallCount returns the number of tracked calls.
func (o *Orchestrator) CallCount() int {
	return o.tracker.Count()
}

// Shutdown drains every active call and waits for workers, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, s := range o.tracker.Summaries() {
		o.EndCall(s.CallID, internal_records.ConversationCompleted)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
