// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voicebridge/config"
	internal_resources "github.com/rapidaai/voicebridge/internal/resources"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return logger
}

func testARIConfig(restURL, wsURL string) config.ARIConfig {
	return config.ARIConfig{
		URL:              restURL,
		WebsocketURL:     wsURL,
		Username:         "bridge",
		Password:         "secret",
		Application:      "voicebridge",
		BreakerThreshold: 3,
		BreakerWindow:    time.Minute,
		BreakerCooldown:  time.Second,
	}
}

type recordedRequest struct {
	method string
	path   string
	query  map[string]string
}

func newCommandServer(t *testing.T, status int, body string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := map[string]string{}
		for k, v := range r.URL.Query() {
			query[k] = v[0]
		}
		mu.Lock()
		reqs = append(reqs, recordedRequest{method: r.Method, path: r.URL.Path, query: query})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &reqs
}

func TestCommander_Answer(t *testing.T) {
	ts, reqs := newCommandServer(t, http.StatusNoContent, "")
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	require.NoError(t, c.Answer(context.Background(), "CH-1"))
	require.Len(t, *reqs, 1)
	assert.Equal(t, http.MethodPost, (*reqs)[0].method)
	assert.Equal(t, "/channels/CH-1/answer", (*reqs)[0].path)
}

func TestCommander_HangupTreatsMissingChannelAsSuccess(t *testing.T) {
	ts, _ := newCommandServer(t, http.StatusNotFound, `{"message":"Channel not found"}`)
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	assert.NoError(t, c.Hangup(context.Background(), "CH-GONE"))
}

func TestCommander_CreateBridge(t *testing.T) {
	ts, reqs := newCommandServer(t, http.StatusOK, `{"id":"BR-9","bridge_type":"mixing"}`)
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	id, err := c.CreateBridge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BR-9", id)
	assert.Equal(t, "mixing", (*reqs)[0].query["type"])
	assert.NotEmpty(t, (*reqs)[0].query["bridgeId"])
}

func TestCommander_ExternalMedia(t *testing.T) {
	ts, reqs := newCommandServer(t, http.StatusOK, `{"id":"EM-1","name":"UnicastRTP/10.0.0.5:14000"}`)
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	ch, err := c.ExternalMedia(context.Background(), "em-CALL-1", "10.0.0.5:14000")
	require.NoError(t, err)
	assert.Equal(t, "EM-1", ch.ID)

	q := (*reqs)[0].query
	assert.Equal(t, "voicebridge", q["app"])
	assert.Equal(t, "10.0.0.5:14000", q["external_host"])
	assert.Equal(t, "ulaw", q["format"])
	assert.Equal(t, "em-CALL-1", q["channelId"])
}

func TestCommander_SnoopChannel(t *testing.T) {
	ts, reqs := newCommandServer(t, http.StatusOK, `{"id":"SN-1"}`)
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	ch, err := c.SnoopChannel(context.Background(), "CH-1", "snoop-CALL-1", "in")
	require.NoError(t, err)
	assert.Equal(t, "SN-1", ch.ID)
	assert.Equal(t, "/channels/CH-1/snoop", (*reqs)[0].path)
	assert.Equal(t, "in", (*reqs)[0].query["spy"])
	assert.Equal(t, "snoop-CALL-1", (*reqs)[0].query["snoopId"])
}

func TestCommander_Originate(t *testing.T) {
	ts, reqs := newCommandServer(t, http.StatusOK, `{"id":"OUT-1"}`)
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	ch, err := c.Originate(context.Background(), "PJSIP/+15550100", "clinic", "patient=42")
	require.NoError(t, err)
	assert.Equal(t, "OUT-1", ch.ID)

	q := (*reqs)[0].query
	assert.Equal(t, "PJSIP/+15550100", q["endpoint"])
	assert.Equal(t, "clinic", q["callerId"])
	assert.Equal(t, "patient=42", q["appArgs"])
}

func TestCommander_ErrorStatusSurfaces(t *testing.T) {
	ts, _ := newCommandServer(t, http.StatusBadRequest, `{"message":"bad request"}`)
	c := NewCommander(testLogger(t), testARIConfig(ts.URL, ""))

	err := c.Answer(context.Background(), "CH-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestClient_DeliversEventsToHandler(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "voicebridge", r.URL.Query().Get("app"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		evt := map[string]interface{}{
			"type":        EventStasisStart,
			"application": "voicebridge",
			"channel":     map[string]interface{}{"id": "CH-1", "caller": map[string]string{"number": "+15550100"}},
		}
		raw, err := json.Marshal(evt)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

		// Keep the stream open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	logger := testLogger(t)
	cfg := testARIConfig("http://unused", wsURL)
	breaker := internal_resources.NewCircuitBreaker(logger, cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown)

	var mu sync.Mutex
	var got []*Event
	client := NewClient(logger, cfg, breaker, func(evt *Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()
	t.Cleanup(client.Stop)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventStasisStart, got[0].Type)
	require.NotNil(t, got[0].Channel)
	assert.Equal(t, "CH-1", got[0].Channel.ID)
	assert.Equal(t, "+15550100", got[0].Channel.Caller.Number)
}

func TestClient_BreakerOpensAfterRepeatedDialFailures(t *testing.T) {
	logger := testLogger(t)
	cfg := testARIConfig("http://unused", "ws://127.0.0.1:1/ari/events")
	cfg.BreakerCooldown = 50 * time.Millisecond
	breaker := internal_resources.NewCircuitBreaker(logger, 2, time.Minute, time.Hour)

	client := NewClient(logger, cfg, breaker, func(*Event) {})
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	t.Cleanup(client.Stop)

	go func() { _ = client.Run(ctx) }()

	// Dials fail fast; after the second failure the breaker must be open.
	require.Eventually(t, func() bool {
		return breaker.State() == internal_resources.BreakerOpen
	}, 4*time.Second, 10*time.Millisecond)
}
