// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/voicebridge/config"
	internal_calls "github.com/rapidaai/voicebridge/internal/calls"
	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_realtime "github.com/rapidaai/voicebridge/internal/realtime"
	internal_records "github.com/rapidaai/voicebridge/internal/records"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// CallService is the orchestrator surface the API exposes.
type CallService interface {
	ActiveCalls() []internal_calls.Summary
	CallCount() int
	EndCall(callID, status string)
	StartOutboundCall(ctx context.Context, endpoint, callerID, phone string) (string, error)
	PlayMedia(ctx context.Context, callID, mediaURI string) error
}

// BridgeApi serves the operational endpoints of the bridge.
type BridgeApi struct {
	cfg      *config.BridgeConfig
	logger   commons.Logger
	calls    CallService
	ports    *internal_ports.Manager
	store    internal_records.Store
	sessions func() []internal_realtime.SessionStatus
}

// NewBridgeApi wires the API handlers.
func NewBridgeApi(
	cfg *config.BridgeConfig,
	logger commons.Logger,
	calls CallService,
	ports *internal_ports.Manager,
	store internal_records.Store,
	sessions func() []internal_realtime.SessionStatus,
) *BridgeApi {
	return &BridgeApi{
		cfg:      cfg,
		logger:   logger,
		calls:    calls,
		ports:    ports,
		store:    store,
		sessions: sessions,
	}
}

// Healthz reports liveness plus the resource headroom an operator cares
// about.
func (a *BridgeApi) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"service":         a.cfg.Name,
		"version":         a.cfg.Version,
		"active_calls":    a.calls.CallCount(),
		"ports_in_use":    a.ports.InUse(),
		"ports_available": a.ports.Available(),
	})
}

// ListCalls returns every active call.
func (a *BridgeApi) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": a.calls.ActiveCalls()})
}

// GetCall returns the conversation record of one call.
func (a *BridgeApi) GetCall(c *gin.Context) {
	conv, err := a.store.GetConversation(c.Request.Context(), c.Param("callId"))
	if errors.Is(err, internal_records.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		a.logger.Errorw("failed to load conversation", "call_id", c.Param("callId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// HangupCall force-ends an active call.
func (a *BridgeApi) HangupCall(c *gin.Context) {
	a.calls.EndCall(c.Param("callId"), internal_records.ConversationCompleted)
	c.JSON(http.StatusAccepted, gin.H{"status": "ending"})
}

type outboundRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	CallerID string `json:"caller_id"`
	Phone    string `json:"phone" binding:"required"`
}

// CreateOutboundCall originates a call to a patient.
func (a *BridgeApi) CreateOutboundCall(c *gin.Context) {
	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	channelID, err := a.calls.StartOutboundCall(c.Request.Context(), req.Endpoint, req.CallerID, req.Phone)
	if err != nil {
		a.logger.Errorw("failed to originate call", "endpoint", req.Endpoint, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to originate call"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel_id": channelID})
}

type playRequest struct {
	Media string `json:"media" binding:"required"`
}

// PlayMedia plays an announcement into an active call.
func (a *BridgeApi) PlayMedia(c *gin.Context) {
	var req playRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.calls.PlayMedia(c.Request.Context(), c.Param("callId"), req.Media); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "playing"})
}

// ListSessions returns the realtime session status per call.
func (a *BridgeApi) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.sessions()})
}
