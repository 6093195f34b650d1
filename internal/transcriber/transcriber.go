// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transcriber

import (
	"context"
	"time"
)

// Hypothesis is one recognizer result, partial or final.
type Hypothesis struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// StartAt/Duration are the recognizer's utterance position, as reported.
	StartAt  time.Duration
	Duration time.Duration

	// SpeechStartedAt is the wall-clock time of the first partial of this
	// utterance. Set on finals only.
	SpeechStartedAt time.Time

	// MaxTimeWarning marks the synthetic pre-expiry notification emitted
	// when the recognizer signals its session cap is approaching. All other
	// fields are zero on such a hypothesis.
	MaxTimeWarning bool
}

// Transcriber is the streaming speech recognizer driver. One instance per
// session. Results closes when the recognizer stream ends, for any reason;
// the session controller treats that closure as the finalization trigger.
type Transcriber interface {
	// Start authenticates and opens the streaming connection.
	Start(ctx context.Context) error

	// Feed enqueues one carrier µ-law frame. The driver converts it to
	// 16-bit linear PCM before forwarding. Non-blocking; frames are dropped
	// with a warning when the queue is full.
	Feed(mulaw []byte)

	// Results is the single-consumer hypothesis stream.
	Results() <-chan Hypothesis

	// SetBotSpeaking mirrors the speech gate: while true every hypothesis
	// is discarded on the receive path.
	SetBotSpeaking(speaking bool)

	// SetSilenceDelay arms a countdown of hypotheses to discard after the
	// gate closes, absorbing recognizer output that belongs to echo.
	SetSilenceDelay(chunks int)

	// Active reports whether audio has reached the recognizer stream.
	Active() bool

	// Close terminates the stream gracefully (EOS) and releases resources.
	Close(ctx context.Context) error
}
