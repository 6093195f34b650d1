// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package call_api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/carecall/config"
	internal_callstore "github.com/rapidaai/carecall/internal/callstore"
	channel_twilio "github.com/rapidaai/carecall/internal/channel/twilio"
	internal_session "github.com/rapidaai/carecall/internal/session"
	"github.com/rapidaai/carecall/pkg/commons"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CallApi carries the carrier-facing HTTP surface: the inbound voice
// webhook, the status callback and the media WebSocket.
type CallApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	store   internal_callstore.Store
	service *internal_session.Service
}

func NewCallApi(
	cfg *config.AppConfig,
	logger commons.Logger,
	store internal_callstore.Store,
	service *internal_session.Service,
) *CallApi {
	return &CallApi{cfg: cfg, logger: logger, store: store, service: service}
}

// Voice answers an inbound call with the connect-stream document so the
// carrier opens the media WebSocket back to us.
//
// @Router /twilio/voice [post]
func (api *CallApi) Voice(c *gin.Context) {
	callSid := c.PostForm("CallSid")
	if callSid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CallSid is required"})
		return
	}
	elderlyID := c.Query("elderly_id")

	if err := api.store.CreateInitiated(c.Request.Context(), callSid, elderlyID); err != nil {
		api.logger.Errorf("call log insert failed for %s: %v", callSid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to register call"})
		return
	}

	api.logger.Infow("inbound call answered",
		"call_sid", callSid, "elderly_id", elderlyID, "from", c.PostForm("From"))
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, channel_twilio.StreamTwiML(api.cfg.PublicBaseURL, elderlyID))
}

// Status reacts to carrier lifecycle callbacks. Transitions are idempotent;
// a replayed or out-of-order callback never regresses the call log.
//
// @Router /twilio/status [post]
func (api *CallApi) Status(c *gin.Context) {
	callSid := c.PostForm("CallSid")
	status := c.PostForm("CallStatus")
	if callSid == "" || status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CallSid and CallStatus are required"})
		return
	}
	ctx := c.Request.Context()

	switch status {
	case "in-progress":
		if err := api.store.MarkAnswered(ctx, callSid, time.Now()); err != nil {
			api.logger.Errorf("mark answered failed for %s: %v", callSid, err)
		}
	case "completed":
		// The media path usually finalizes first; this is the backstop when
		// the carrier hangs up before the stream does.
		if api.service.Finalize(callSid, "carrier status completed") {
			api.logger.Infow("live call finalized by status callback", "call_sid", callSid)
		} else if err := api.store.Complete(ctx, callSid, time.Now()); err != nil {
			api.logger.Errorf("complete failed for %s: %v", callSid, err)
		}
	case "busy", "no-answer", "failed", "canceled":
		if err := api.store.MarkFailed(ctx, callSid); err != nil {
			api.logger.Errorf("mark failed (%s) failed for %s: %v", status, callSid, err)
		}
		api.service.Registry().Remove(callSid)
	default:
		// ringing, initiated, queued: nothing to record.
	}
	c.Status(http.StatusNoContent)
}

// Media upgrades the carrier connection and hands it to the session
// controller, which owns it until finalization.
//
// @Router /twilio/media [get]
func (api *CallApi) Media(c *gin.Context) {
	conn, err := mediaUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorf("media WebSocket upgrade failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to upgrade to WebSocket"})
		return
	}
	api.service.HandleMediaStream(c.Request.Context(), conn)
}
