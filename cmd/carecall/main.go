// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/carecall/config"
	internal_agent_openai "github.com/rapidaai/carecall/internal/agent/openai"
	internal_callstore "github.com/rapidaai/carecall/internal/callstore"
	channel_twilio "github.com/rapidaai/carecall/internal/channel/twilio"
	internal_session "github.com/rapidaai/carecall/internal/session"
	internal_synthesizer_clova "github.com/rapidaai/carecall/internal/synthesizer/clova"
	internal_transcriber_returnzero "github.com/rapidaai/carecall/internal/transcriber/returnzero"
	"github.com/rapidaai/carecall/pkg/commons"
	"github.com/rapidaai/carecall/pkg/connectors"
	"github.com/rapidaai/carecall/router"
)

const shutdownGrace = 10 * time.Second

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("config init failed: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLogLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithLogFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	logger.Infow("starting", "service", cfg.Name, "version", cfg.Version)

	postgres, err := connectors.NewPostgresConnector(cfg.PostgresConfig)
	if err != nil {
		logger.Errorf("postgres connection failed: %v", err)
		os.Exit(1)
	}
	store, err := internal_callstore.NewStore(logger, postgres)
	if err != nil {
		logger.Errorf("call store init failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessions internal_session.SessionStore
	if cfg.RedisURL != "" {
		redis, err := connectors.NewRedisConnector(ctx, cfg.RedisURL)
		if err != nil {
			logger.Errorf("redis connection failed: %v", err)
			os.Exit(1)
		}
		sessions = internal_session.NewRedisStore(redis)
		logger.Infow("session state shared via redis")
	} else {
		sessions = internal_session.NewMemoryStore()
	}

	restarter := channel_twilio.NewRestarter(logger,
		cfg.TwilioConfig.AccountSid, cfg.TwilioConfig.AuthToken, cfg.PublicBaseURL)

	newDrivers := func() internal_session.Drivers {
		return internal_session.Drivers{
			Transcriber: internal_transcriber_returnzero.NewTranscriber(logger,
				internal_transcriber_returnzero.Credentials{
					Host:         cfg.SttConfig.Host,
					ClientID:     cfg.SttConfig.ClientID,
					ClientSecret: cfg.SttConfig.ClientSecret,
				}),
			Agent: internal_agent_openai.NewAgent(logger,
				cfg.LlmConfig.ApiKey, cfg.LlmConfig.Model),
			Synthesizer: internal_synthesizer_clova.NewSynthesizer(logger,
				internal_synthesizer_clova.Credentials{
					URL:       cfg.TtsConfig.URL,
					KeyID:     cfg.TtsConfig.KeyID,
					KeySecret: cfg.TtsConfig.KeySecret,
				},
				internal_synthesizer_clova.WithSpeaker(cfg.TtsConfig.Speaker),
				internal_synthesizer_clova.WithVoiceParams(
					cfg.TtsConfig.Speed, cfg.TtsConfig.Pitch, cfg.TtsConfig.Volume),
			),
		}
	}

	if err := os.MkdirAll(cfg.MetricsDir, 0o755); err != nil {
		logger.Errorf("metrics dir unavailable: %v", err)
		os.Exit(1)
	}
	service := internal_session.NewService(logger,
		internal_session.NewRegistry(), sessions, store, restarter, newDrivers, cfg.MetricsDir)

	engine := router.New(cfg, logger, store, service)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	go func() {
		logger.Infow("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server failed: %v", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Infow("stopped")
}
