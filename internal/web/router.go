// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_web

import (
	"github.com/gin-gonic/gin"

	"github.com/rapidaai/voicebridge/config"
	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_realtime "github.com/rapidaai/voicebridge/internal/realtime"
	internal_records "github.com/rapidaai/voicebridge/internal/records"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// NewEngine builds the gin engine with all bridge routes registered.
func NewEngine(
	cfg *config.BridgeConfig,
	logger commons.Logger,
	calls CallService,
	ports *internal_ports.Manager,
	store internal_records.Store,
	sessions func() []internal_realtime.SessionStatus,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := NewBridgeApi(cfg, logger, calls, ports, store, sessions)

	engine.GET("/healthz", api.Healthz)

	apiv1 := engine.Group("v1")
	{
		apiv1.GET("/calls", api.ListCalls)
		apiv1.GET("/calls/:callId", api.GetCall)
		apiv1.POST("/calls/:callId/hangup", api.HangupCall)
		apiv1.POST("/calls/:callId/play", api.PlayMedia)
		apiv1.POST("/calls", api.CreateOutboundCall)
		apiv1.GET("/sessions", api.ListSessions)
	}
	return engine
}
