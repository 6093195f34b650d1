// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_gate

import (
	"context"
	"sync"
	"time"

	"github.com/rapidaai/carecall/pkg/commons"
)

const (
	// DefaultTailChunks is how many inbound frames to keep discarding after
	// the gate closes, to absorb residual echo (~1 s at 20 ms framing).
	DefaultTailChunks = 50

	// watchdogTick is the gate watchdog poll interval.
	watchdogTick = 500 * time.Millisecond

	// maxOpen is the hard cap on a continuous gate-open interval. A hung
	// TTS or acknowledgement must never permanently mute the user.
	maxOpen = 10 * time.Second
)

// Gate suppresses inbound audio while the agent is speaking, plus a short
// tail after it stops. Safe for concurrent use.
type Gate struct {
	logger commons.Logger

	mu            sync.Mutex
	speaking      bool
	since         time.Time
	tailRemaining int
	tailChunks    int

	// now is injectable for tests.
	now func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithTailChunks overrides the post-close tail length.
func WithTailChunks(n int) Option {
	return func(g *Gate) { g.tailChunks = n }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a closed gate.
func NewGate(logger commons.Logger, opts ...Option) *Gate {
	g := &Gate{
		logger:     logger,
		tailChunks: DefaultTailChunks,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartBotSpeaking opens the gate. Called immediately before the first TTS
// fragment of a turn goes out.
func (g *Gate) StartBotSpeaking() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.speaking {
		g.speaking = true
		g.since = g.now()
	}
	g.tailRemaining = 0
}

// StopBotSpeaking closes the gate and arms the echo tail. Runs on every
// exit path of the response phase, including errors.
func (g *Gate) StopBotSpeaking() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.speaking {
		g.speaking = false
		g.since = time.Time{}
		g.tailRemaining = g.tailChunks
	}
}

// ShouldDrop decides the fate of one inbound media frame. While speaking,
// everything is discarded; after closing, the armed tail discards a fixed
// number of further frames before audio flows again.
func (g *Gate) ShouldDrop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.speaking {
		return true
	}
	if g.tailRemaining > 0 {
		g.tailRemaining--
		return true
	}
	return false
}

// Speaking reports whether the gate is currently open.
func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// openFor returns how long the gate has been continuously open.
func (g *Gate) openFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.speaking {
		return 0
	}
	return g.now().Sub(g.since)
}

// forceClose closes a stuck gate and reports whether it actually closed
// anything. The echo tail is armed exactly as on a normal close: whatever
// audio was still draining at the carrier echoes back the same way.
func (g *Gate) forceClose() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.speaking {
		return false
	}
	g.speaking = false
	g.since = time.Time{}
	g.tailRemaining = g.tailChunks
	return true
}

// RunWatchdog polls for the session lifetime. When the gate has been open
// longer than the hard cap it forces it closed and fires onForceClose once
// (the caller sends the outbound clear there). Returns when ctx ends.
func (g *Gate) RunWatchdog(ctx context.Context, onForceClose func()) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if open := g.openFor(); open > maxOpen {
				if g.forceClose() {
					g.logger.Warnw("speech gate stuck open, forcing closed",
						"open_for", open.String())
					if onForceClose != nil {
						onForceClose()
					}
				}
			}
		}
	}
}
