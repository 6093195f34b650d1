// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package channel_twilio

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/rapidaai/carecall/pkg/commons"
)

// StreamTwiML renders the connect-stream document that points the carrier at
// our media WebSocket. Used for the initial webhook answer and for the
// REST-side restart. The base URL may carry an http(s) scheme or be a bare
// host; a bare host is taken as TLS.
func StreamTwiML(publicBaseURL, elderlyID string) string {
	wsURL := strings.TrimSuffix(publicBaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	case strings.HasPrefix(wsURL, "wss://"), strings.HasPrefix(wsURL, "ws://"):
	default:
		wsURL = "wss://" + wsURL
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s/twilio/media">
      <Parameter name="elderly_id" value="%s"/>
    </Stream>
  </Connect>
</Response>`, wsURL, elderlyID)
}

// Restarter re-issues the stream TwiML on a live call over the carrier REST
// API. The first-inbound monitor uses it when no media arrives after answer.
type Restarter struct {
	logger        commons.Logger
	client        *twilio.RestClient
	publicBaseURL string
}

func NewRestarter(logger commons.Logger, accountSid, authToken, publicBaseURL string) *Restarter {
	return &Restarter{
		logger: logger,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSid,
			Password: authToken,
		}),
		publicBaseURL: publicBaseURL,
	}
}

// RestartStream updates the live call with a fresh connect-stream document.
func (r *Restarter) RestartStream(ctx context.Context, callSid, elderlyID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(StreamTwiML(r.publicBaseURL, elderlyID))
	if _, err := r.client.Api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("twilio: restart stream for %s: %w", callSid, err)
	}
	r.logger.Infow("media stream restart requested", "call_sid", callSid)
	return nil
}
