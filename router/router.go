// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	call_api "github.com/rapidaai/carecall/api/call"
	"github.com/rapidaai/carecall/config"
	internal_callstore "github.com/rapidaai/carecall/internal/callstore"
	internal_session "github.com/rapidaai/carecall/internal/session"
	"github.com/rapidaai/carecall/pkg/commons"
)

// New builds the HTTP engine: carrier webhooks, the media WebSocket and the
// health endpoint.
func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	store internal_callstore.Store,
	service *internal_session.Service,
) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Twilio-Signature")
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": cfg.Name,
			"version": cfg.Version,
		})
	})

	callApi := call_api.NewCallApi(cfg, logger, store, service)
	twilio := engine.Group("/twilio")
	{
		twilio.POST("/voice", callApi.Voice)
		twilio.POST("/status", callApi.Status)
		twilio.GET("/media", callApi.Media)
	}

	logger.Infow("routes registered",
		"service", cfg.Name, "version", cfg.Version)
	return engine
}
