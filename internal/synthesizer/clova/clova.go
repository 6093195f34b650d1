// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_synthesizer_clova

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	internal_synthesizer "github.com/rapidaai/carecall/internal/synthesizer"
	"github.com/rapidaai/carecall/pkg/commons"
)

// requestTimeout bounds a single synthesis round-trip. A sentence that takes
// longer than this is worth skipping, not waiting for.
const requestTimeout = 10 * time.Second

const (
	defaultSpeaker = "nes_c_mikyung"
	defaultSpeed   = "0"
	defaultPitch   = "0"
	defaultVolume  = "0"
)

// Credentials for the NCP speech endpoint.
type Credentials struct {
	URL       string
	KeyID     string
	KeySecret string
}

type clovaSynthesizer struct {
	logger  commons.Logger
	creds   Credentials
	client  *resty.Client
	speaker string
	speed   string
	pitch   string
	volume  string
}

// Option configures the driver.
type Option func(*clovaSynthesizer)

// WithSpeaker overrides the default voice.
func WithSpeaker(speaker string) Option {
	return func(c *clovaSynthesizer) { c.speaker = speaker }
}

// WithVoiceParams overrides speed, pitch and volume. Empty values keep the
// defaults.
func WithVoiceParams(speed, pitch, volume string) Option {
	return func(c *clovaSynthesizer) {
		if speed != "" {
			c.speed = speed
		}
		if pitch != "" {
			c.pitch = pitch
		}
		if volume != "" {
			c.volume = volume
		}
	}
}

// NewSynthesizer creates a per-session speech driver with its own pooled
// HTTP client.
func NewSynthesizer(logger commons.Logger, creds Credentials, opts ...Option) internal_synthesizer.Synthesizer {
	c := &clovaSynthesizer{
		logger:  logger,
		creds:   creds,
		client:  resty.New().SetTimeout(requestTimeout),
		speaker: defaultSpeaker,
		speed:   defaultSpeed,
		pitch:   defaultPitch,
		volume:  defaultVolume,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize implements internal_synthesizer.Synthesizer.
func (c *clovaSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-NCP-APIGW-API-KEY-ID", c.creds.KeyID).
		SetHeader("X-NCP-APIGW-API-KEY", c.creds.KeySecret).
		SetFormData(map[string]string{
			"speaker": c.speaker,
			"speed":   c.speed,
			"pitch":   c.pitch,
			"volume":  c.volume,
			"format":  "wav",
			"text":    text,
		}).
		Post(c.creds.URL)
	if err != nil {
		return nil, fmt.Errorf("clova: synthesis request: %w", err)
	}
	if resp.StatusCode() != 200 {
		c.logger.Warnw("speech synthesis rejected",
			"status", resp.StatusCode(), "body", string(resp.Body()))
		return nil, fmt.Errorf("clova: synthesis returned status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// Close releases the driver's idle connections.
func (c *clovaSynthesizer) Close() {
	c.client.GetClient().CloseIdleConnections()
}
