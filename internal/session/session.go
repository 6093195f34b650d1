// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_session ties one phone call together: the live session
// state, the process-wide registry, the durable session store, and the
// controller that routes media, recognition and turns until finalization.
package internal_session

import (
	"sync"
	"time"
)

// State of a live session.
type State string

const (
	StateInitiating State = "initiating" // WebSocket up, start not yet processed
	StateGreeting   State = "greeting"   // Welcome utterance in flight
	StateListening  State = "listening"  // Waiting on user speech
	StateResponding State = "responding" // Turn in flight
	StateClosing    State = "closing"    // Finalization started
	StateClosed     State = "closed"
)

// Session is the mutable per-call record shared between the controller and
// the registry.
type Session struct {
	mu sync.Mutex

	CallID    string
	StreamSid string
	ElderlyID string
	StartedAt time.Time

	state State
}

func NewSession(callID string) *Session {
	return &Session{
		CallID:    callID,
		StartedAt: time.Now(),
		state:     StateInitiating,
	}
}

// SetState transitions the session; closed is absorbing.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bind records the identifiers delivered by the carrier start event.
func (s *Session) Bind(streamSid, elderlyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StreamSid = streamSid
	s.ElderlyID = elderlyID
}

// Elapsed is the wall-clock offset since the session began.
func (s *Session) Elapsed() time.Duration {
	return time.Since(s.StartedAt)
}
