// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/voicebridge/config"
	internal_ari "github.com/rapidaai/voicebridge/internal/ari"
	internal_calls "github.com/rapidaai/voicebridge/internal/calls"
	internal_orchestrator "github.com/rapidaai/voicebridge/internal/orchestrator"
	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_realtime "github.com/rapidaai/voicebridge/internal/realtime"
	internal_records "github.com/rapidaai/voicebridge/internal/records"
	internal_resources "github.com/rapidaai/voicebridge/internal/resources"
	internal_web "github.com/rapidaai/voicebridge/internal/web"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to read configuration: %v", err)
	}
	cfg, err := config.GetBridgeConfig(v)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := commons.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Infow("starting voicebridge", "version", cfg.Version)

	store, err := internal_records.NewStore(logger, cfg.Postgres)
	if err != nil {
		logger.Errorf("failed to open record store: %+v", err)
		os.Exit(1)
	}

	ports, err := internal_ports.NewManager(logger, cfg.RTP.PortRangeStart, cfg.RTP.PortRangeEnd)
	if err != nil {
		logger.Errorf("failed to build port pool: %+v", err)
		os.Exit(1)
	}

	tracker := internal_calls.NewTracker(logger)
	commander := internal_ari.NewCommander(logger, cfg.ARI)
	assistant := internal_realtime.NewBridge(logger, cfg.Realtime)
	media := internal_orchestrator.NewMediaFactory(logger)

	orch := internal_orchestrator.NewOrchestrator(
		logger, cfg, commander, assistant, media, tracker, ports, store)
	assistant.SetAudioOutput(orch.DeliverAssistantAudio)
	assistant.SetNotificationCallback(orch.HandleAssistantEvent)

	breaker := internal_resources.NewCircuitBreaker(
		logger, cfg.ARI.BreakerThreshold, cfg.ARI.BreakerWindow, cfg.ARI.BreakerCooldown)
	events := internal_ari.NewClient(logger, cfg.ARI, breaker, orch.HandleEvent)

	engine := internal_web.NewEngine(cfg, logger, orch, ports, store, assistant.Status)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Infow("http listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server failed: %+v", err)
			cancel()
		}
	}()
	go func() {
		if err := events.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("event stream terminated: %+v", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infow("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	// Stop taking new work, drain active calls, then close the rest.
	events.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("call drain timed out", "error", err)
	}
	assistant.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown failed", "error", err)
	}
	logger.Infow("voicebridge stopped")
}
