// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicebridge/config"
	internal_calls "github.com/rapidaai/voicebridge/internal/calls"
	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_realtime "github.com/rapidaai/voicebridge/internal/realtime"
	internal_records "github.com/rapidaai/voicebridge/internal/records"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

type fakeCallService struct {
	summaries []internal_calls.Summary
	ended     []string
	outbound  string
	playErr   error
}

func (f *fakeCallService) ActiveCalls() []internal_calls.Summary { return f.summaries }
func (f *fakeCallService) CallCount() int                        { return len(f.summaries) }

func (f *fakeCallService) EndCall(callID, status string) {
	f.ended = append(f.ended, callID)
}

func (f *fakeCallService) StartOutboundCall(_ context.Context, endpoint, callerID, phone string) (string, error) {
	f.outbound = endpoint
	return "OUT-1", nil
}

func (f *fakeCallService) PlayMedia(_ context.Context, callID, mediaURI string) error {
	return f.playErr
}

func newTestEngine(t *testing.T, svc CallService, store internal_records.Store) *httptest.Server {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	cfg := &config.BridgeConfig{Name: "voicebridge", Version: "1.0.0"}
	ports, err := internal_ports.NewManager(logger, 14000, 14040)
	require.NoError(t, err)

	engine := NewEngine(cfg, logger, svc, ports, store, func() []internal_realtime.SessionStatus {
		return []internal_realtime.SessionStatus{{CallID: "CH-1", State: "active"}}
	})
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestEngine(t, &fakeCallService{}, internal_records.NewMemoryStore())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "voicebridge", body["service"])
	assert.Equal(t, float64(10), body["ports_available"])
}

func TestListCalls(t *testing.T) {
	svc := &fakeCallService{summaries: []internal_calls.Summary{{CallID: "CH-1", State: "media_active"}}}
	ts := newTestEngine(t, svc, internal_records.NewMemoryStore())

	resp, err := http.Get(ts.URL + "/v1/calls")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Calls []internal_calls.Summary `json:"calls"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Calls, 1)
	assert.Equal(t, "CH-1", body.Calls[0].CallID)
}

func TestGetCall(t *testing.T) {
	store := internal_records.NewMemoryStore()
	require.NoError(t, store.CreateConversation(context.Background(), &internal_records.Conversation{CallID: "CH-1"}))
	ts := newTestEngine(t, &fakeCallService{}, store)

	resp, err := http.Get(ts.URL + "/v1/calls/CH-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/calls/NO-SUCH")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHangupCall(t *testing.T) {
	svc := &fakeCallService{}
	ts := newTestEngine(t, svc, internal_records.NewMemoryStore())

	resp, err := http.Post(ts.URL+"/v1/calls/CH-1/hangup", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"CH-1"}, svc.ended)
}

func TestCreateOutboundCall(t *testing.T) {
	svc := &fakeCallService{}
	ts := newTestEngine(t, svc, internal_records.NewMemoryStore())

	payload := `{"endpoint":"PJSIP/+15550111","phone":"+15550111"}`
	resp, err := http.Post(ts.URL+"/v1/calls", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "OUT-1", body["channel_id"])
	assert.Equal(t, "PJSIP/+15550111", svc.outbound)

	// Missing fields are rejected.
	resp, err = http.Post(ts.URL+"/v1/calls", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	ts := newTestEngine(t, &fakeCallService{}, internal_records.NewMemoryStore())

	resp, err := http.Get(ts.URL + "/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Sessions []internal_realtime.SessionStatus `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "CH-1", body.Sessions[0].CallID)
}
