// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_orchestrator

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicebridge/config"
	internal_ari "github.com/rapidaai/voicebridge/internal/ari"
	internal_calls "github.com/rapidaai/voicebridge/internal/calls"
	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_realtime "github.com/rapidaai/voicebridge/internal/realtime"
	internal_records "github.com/rapidaai/voicebridge/internal/records"
	internal_rtp "github.com/rapidaai/voicebridge/internal/rtp"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return logger
}

// fakeTelephony records every control operation. A step registered through
// stallOn blocks until the test releases its gate.
type fakeTelephony struct {
	mu       sync.Mutex
	ops      []string
	failStep string
	stalls   map[string]chan struct{}
}

func (f *fakeTelephony) stallOn(step string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stalls == nil {
		f.stalls = map[string]chan struct{}{}
	}
	gate := make(chan struct{})
	f.stalls[step] = gate
	return gate
}

func (f *fakeTelephony) waitStall(step string) {
	f.mu.Lock()
	gate := f.stalls[step]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeTelephony) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeTelephony) failing(step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStep == step {
		return errors.New(step + " refused")
	}
	return nil
}

func (f *fakeTelephony) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeTelephony) has(op string) bool {
	for _, o := range f.recorded() {
		if o == op {
			return true
		}
	}
	return false
}

func (f *fakeTelephony) Answer(_ context.Context, channelID string) error {
	f.record("answer " + channelID)
	return f.failing("answer")
}

func (f *fakeTelephony) Hangup(_ context.Context, channelID string) error {
	f.record("hangup " + channelID)
	return nil
}

func (f *fakeTelephony) CreateBridge(context.Context) (string, error) {
	f.record("create-bridge")
	f.waitStall("create-bridge")
	if err := f.failing("create-bridge"); err != nil {
		return "", err
	}
	return "BR-1", nil
}

func (f *fakeTelephony) DestroyBridge(_ context.Context, bridgeID string) error {
	f.record("destroy-bridge " + bridgeID)
	f.waitStall("destroy-bridge")
	return nil
}

func (f *fakeTelephony) AddChannel(_ context.Context, bridgeID, channelID string) error {
	f.record("add-channel " + bridgeID + " " + channelID)
	return nil
}

func (f *fakeTelephony) ExternalMedia(_ context.Context, channelID, externalHost string) (*internal_ari.Channel, error) {
	f.record("external-media " + channelID + " " + externalHost)
	if err := f.failing("external-media"); err != nil {
		return nil, err
	}
	return &internal_ari.Channel{ID: channelID}, nil
}

func (f *fakeTelephony) SnoopChannel(_ context.Context, channelID, snoopID, direction string) (*internal_ari.Channel, error) {
	f.record("snoop " + channelID + " " + direction)
	return &internal_ari.Channel{ID: snoopID}, nil
}

func (f *fakeTelephony) Play(_ context.Context, channelID, mediaURI string) (*internal_ari.Playback, error) {
	f.record("play " + channelID + " " + mediaURI)
	return &internal_ari.Playback{ID: "PB-1", MediaURI: mediaURI}, nil
}

func (f *fakeTelephony) StartRecording(_ context.Context, bridgeID, name string) error {
	f.record("start-recording " + name)
	return nil
}

func (f *fakeTelephony) StopRecording(_ context.Context, name string) error {
	f.record("stop-recording " + name)
	return nil
}

func (f *fakeTelephony) Originate(_ context.Context, endpoint, callerID, appArgs string) (*internal_ari.Channel, error) {
	f.record("originate " + endpoint)
	return &internal_ari.Channel{ID: "OUT-1"}, nil
}

// fakeAssistant records sessions and audio.
type fakeAssistant struct {
	mu         sync.Mutex
	sessions   map[string]string // callID -> prompt
	audio      map[string]int
	disconnect []string
	failInit   bool
}

func newFakeAssistant() *fakeAssistant {
	return &fakeAssistant{sessions: map[string]string{}, audio: map[string]int{}}
}

func (f *fakeAssistant) Initialize(_ context.Context, _, callID, _, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInit {
		return errors.New("assistant unavailable")
	}
	f.sessions[callID] = prompt
	return nil
}

func (f *fakeAssistant) SendAudioChunk(callID string, data []byte, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio[callID]++
}

func (f *fakeAssistant) SendTextMessage(callID, text, role string) {}

func (f *fakeAssistant) Disconnect(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = append(f.disconnect, callID)
}

func (f *fakeAssistant) IsConnectionReady(callID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[callID]
	return ok
}

func (f *fakeAssistant) prompt(callID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[callID]
}

// fakeMedia builds inert listeners and senders.
type fakeMedia struct {
	mu        sync.Mutex
	listeners map[string]*fakeListener
	senders   map[string]*fakeSender
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{listeners: map[string]*fakeListener{}, senders: map[string]*fakeSender{}}
}

type fakeListener struct {
	mu      sync.Mutex
	port    int
	stopped bool
}

func (l *fakeListener) Start(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.port = port
	return nil
}

func (l *fakeListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func (l *fakeListener) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

type fakeSender struct {
	mu      sync.Mutex
	port    int
	dest    *net.UDPAddr
	sent    int
	stopped bool
}

func (s *fakeSender) Start(port int) error { s.port = port; return nil }

func (s *fakeSender) SetDestination(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest = addr
}

func (s *fakeSender) Send([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
}

func (s *fakeSender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (f *fakeMedia) NewListener(callID string, onAudio internal_rtp.AudioHandler, onPeer internal_rtp.PeerHandler) MediaListener {
	l := &fakeListener{}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[callID] = l
	return l
}

func (f *fakeMedia) NewSender(callID string) MediaSender {
	s := &fakeSender{}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.senders[callID] = s
	return s
}

func testBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		Name:                "voicebridge",
		RTP:                 config.RTPConfig{Host: "10.0.0.5", PortRangeStart: 14000, PortRangeEnd: 14040},
		ChannelSetupTimeout: 2 * time.Second,
		OperationTimeout:    time.Second,
	}
}

type fixture struct {
	orch      *Orchestrator
	telephony *fakeTelephony
	assistant *fakeAssistant
	media     *fakeMedia
	tracker   *internal_calls.Tracker
	ports     *internal_ports.Manager
	store     *storeWithPatients
}

type storeWithPatients struct {
	internal_records.Store
	mem interface {
		AddPatient(p *internal_records.Patient)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger(t)
	cfg := testBridgeConfig()

	mem := internal_records.NewMemoryStore()
	tracker := internal_calls.NewTracker(logger)
	ports, err := internal_ports.NewManager(logger, cfg.RTP.PortRangeStart, cfg.RTP.PortRangeEnd)
	require.NoError(t, err)

	telephony := &fakeTelephony{}
	assistant := newFakeAssistant()
	media := newFakeMedia()

	orch := NewOrchestrator(logger, cfg, telephony, assistant, media, tracker, ports, mem)
	return &fixture{
		orch:      orch,
		telephony: telephony,
		assistant: assistant,
		media:     media,
		tracker:   tracker,
		ports:     ports,
		store:     &storeWithPatients{Store: mem, mem: mem},
	}
}

func stasisStart(channelID, caller string) *internal_ari.Event {
	return &internal_ari.Event{
		Type:    internal_ari.EventStasisStart,
		Channel: &internal_ari.Channel{ID: channelID, Caller: internal_ari.CallerID{Number: caller}},
	}
}

func stasisEnd(channelID string) *internal_ari.Event {
	return &internal_ari.Event{
		Type:    internal_ari.EventStasisEnd,
		Channel: &internal_ari.Channel{ID: channelID},
	}
}

func waitForState(t *testing.T, f *fixture, callID string, state internal_calls.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := f.tracker.Get(callID)
		return err == nil && sess.State == state
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_InboundCallSetup(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	sess, err := f.tracker.Get("CH-1")
	require.NoError(t, err)
	assert.Equal(t, "BR-1", sess.BridgeID)
	assert.Equal(t, "em-CH-1", sess.ExternalMediaID)
	assert.Equal(t, "snoop-CH-1", sess.SnoopID)
	assert.NotZero(t, sess.Ports.Read)
	assert.Equal(t, 1, f.ports.InUse())

	ops := f.telephony.recorded()
	assert.Contains(t, ops, "answer CH-1")
	assert.Contains(t, ops, "add-channel BR-1 CH-1")
	assert.Contains(t, ops, "start-recording call-CH-1")
	assert.True(t, f.telephony.has("external-media em-CH-1 10.0.0.5:"+strconv.Itoa(sess.Ports.Read)))

	// The assistant got a session with the default prompt.
	assert.Contains(t, f.assistant.prompt("CH-1"), "clinic assistant")

	conv, err := f.store.GetConversation(context.Background(), "CH-1")
	require.NoError(t, err)
	assert.Equal(t, internal_records.ConversationActive, conv.Status)
}

func TestOrchestrator_PatientContextInPrompt(t *testing.T) {
	f := newFixture(t)
	f.store.mem.AddPatient(&internal_records.Patient{
		FullName: "Jordan Reyes",
		Phone:    "+15550100",
		Notes:    "prefers mornings",
	})

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	prompt := f.assistant.prompt("CH-1")
	assert.Contains(t, prompt, "Jordan Reyes")
	assert.Contains(t, prompt, "prefers mornings")
}

func TestOrchestrator_AuxiliaryChannelJoinsBridge(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	f.orch.HandleEvent(stasisStart("em-CH-1", ""))
	require.Eventually(t, func() bool {
		return f.telephony.has("add-channel BR-1 em-CH-1")
	}, 2*time.Second, 10*time.Millisecond)

	// Snoop channels never join the mixing bridge.
	f.orch.HandleEvent(stasisStart("snoop-CH-1", ""))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.telephony.has("add-channel BR-1 snoop-CH-1"))
}

func TestOrchestrator_CallTeardownReleasesEverything(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	f.orch.HandleEvent(stasisEnd("CH-1"))
	require.Eventually(t, func() bool {
		return !f.tracker.Has("CH-1")
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.ports.InUse() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, f.assistant.disconnect, "CH-1")
	assert.True(t, f.telephony.has("destroy-bridge BR-1"))
	assert.True(t, f.telephony.has("stop-recording call-CH-1"))

	f.media.mu.Lock()
	listener := f.media.listeners["CH-1"]
	sender := f.media.senders["CH-1"]
	f.media.mu.Unlock()
	assert.True(t, listener.isStopped())
	sender.mu.Lock()
	assert.True(t, sender.stopped)
	sender.mu.Unlock()

	conv, err := f.store.GetConversation(context.Background(), "CH-1")
	require.NoError(t, err)
	assert.Equal(t, internal_records.ConversationCompleted, conv.Status)
}

func TestOrchestrator_TeardownIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	f.orch.EndCall("CH-1", internal_records.ConversationCompleted)
	f.orch.EndCall("CH-1", internal_records.ConversationCompleted)

	destroys := 0
	for _, op := range f.telephony.recorded() {
		if op == "destroy-bridge BR-1" {
			destroys++
		}
	}
	assert.Equal(t, 1, destroys)
}

func TestOrchestrator_HangupDuringSetupLeavesNoLeaks(t *testing.T) {
	f := newFixture(t)
	release := f.telephony.stallOn("create-bridge")

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	require.Eventually(t, func() bool {
		return f.telephony.has("create-bridge")
	}, 2*time.Second, 5*time.Millisecond)

	// Hangup lands from the web surface while setup is blocked mid-step.
	f.orch.EndCall("CH-1", internal_records.ConversationCompleted)
	assert.False(t, f.tracker.Has("CH-1"))
	assert.Equal(t, 0, f.ports.InUse())

	close(release)

	// The bridge created after the drain is destroyed, not leaked, and setup
	// stops before media or the assistant come up.
	require.Eventually(t, func() bool {
		return f.telephony.has("destroy-bridge BR-1")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.ports.InUse())
	f.media.mu.Lock()
	listeners := len(f.media.listeners)
	f.media.mu.Unlock()
	assert.Equal(t, 0, listeners)
	assert.False(t, f.assistant.IsConnectionReady("CH-1"))
	assert.False(t, f.telephony.has("start-recording call-CH-1"))
}

func TestOrchestrator_TeardownTransitionsThroughEnding(t *testing.T) {
	f := newFixture(t)
	release := f.telephony.stallOn("destroy-bridge")

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	done := make(chan struct{})
	go func() {
		f.orch.EndCall("CH-1", internal_records.ConversationCompleted)
		close(done)
	}()

	// While resources drain the call is still visible, marked ending.
	waitForState(t, f, "CH-1", internal_calls.StateEnding)

	// A second hangup during the drain must not start a second teardown.
	f.orch.EndCall("CH-1", internal_records.ConversationCompleted)

	close(release)
	<-done
	assert.False(t, f.tracker.Has("CH-1"))

	destroys := 0
	for _, op := range f.telephony.recorded() {
		if op == "destroy-bridge BR-1" {
			destroys++
		}
	}
	assert.Equal(t, 1, destroys)
}

func TestOrchestrator_SetupFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.telephony.failStep = "create-bridge"

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))

	require.Eventually(t, func() bool {
		return f.telephony.has("hangup CH-1") && !f.tracker.Has("CH-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.ports.InUse())

	conv, err := f.store.GetConversation(context.Background(), "CH-1")
	require.NoError(t, err)
	assert.Equal(t, internal_records.ConversationFailed, conv.Status)
}

func TestOrchestrator_AssistantFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.assistant.failInit = true

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))

	require.Eventually(t, func() bool {
		return !f.tracker.Has("CH-1") && f.ports.InUse() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_AssistantAudioRoutesToSender(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	f.orch.DeliverAssistantAudio("CH-1", make([]byte, 960))
	f.orch.DeliverAssistantAudio("NO-SUCH", make([]byte, 960))

	f.media.mu.Lock()
	sender := f.media.senders["CH-1"]
	f.media.mu.Unlock()
	sender.mu.Lock()
	assert.Equal(t, 1, sender.sent)
	sender.mu.Unlock()
}

func TestOrchestrator_TranscriptsPersisted(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	f.orch.HandleAssistantEvent("CH-1", internal_realtime.EventTranscript, map[string]interface{}{
		"role": "user", "text": "I need to cancel my appointment",
	})
	f.orch.HandleAssistantEvent("CH-1", internal_realtime.EventTranscript, map[string]interface{}{
		"role": "assistant", "text": "I can help with that.",
	})

	conv, err := f.store.GetConversation(context.Background(), "CH-1")
	require.NoError(t, err)
	require.Len(t, conv.Transcripts, 2)
	assert.Equal(t, "user", conv.Transcripts[0].Role)
}

func TestOrchestrator_AssistantFailedEventEndsCall(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)

	f.orch.HandleAssistantEvent("CH-1", internal_realtime.EventFailed, nil)

	assert.False(t, f.tracker.Has("CH-1"))
	conv, err := f.store.GetConversation(context.Background(), "CH-1")
	require.NoError(t, err)
	assert.Equal(t, internal_records.ConversationFailed, conv.Status)
}

func TestOrchestrator_OutboundCall(t *testing.T) {
	f := newFixture(t)

	id, err := f.orch.StartOutboundCall(context.Background(), "PJSIP/+15550111", "clinic", "+15550111")
	require.NoError(t, err)
	assert.Equal(t, "OUT-1", id)
	assert.True(t, f.telephony.has("originate PJSIP/+15550111"))
}

func TestOrchestrator_PlayMediaUnknownCall(t *testing.T) {
	f := newFixture(t)
	err := f.orch.PlayMedia(context.Background(), "NO-SUCH", "sound:hello")
	assert.Error(t, err)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleEvent(stasisStart("CH-1", "+15550100"))
	f.orch.HandleEvent(stasisStart("CH-2", "+15550101"))
	waitForState(t, f, "CH-1", internal_calls.StateMediaActive)
	waitForState(t, f, "CH-2", internal_calls.StateMediaActive)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	assert.Equal(t, 0, f.orch.CallCount())
	assert.Equal(t, 0, f.ports.InUse())
}
