// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import "sync"

// Registry is the process-wide index of live sessions by call id. Insert
// happens under carrier start; removal happens inside finalize while the
// call lock is held.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a session for the call id, returning the existing one if
// the call is already live.
func (r *Registry) Create(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callID]; ok {
		return s, false
	}
	s := NewSession(callID)
	r.sessions[callID] = s
	return s, true
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove deletes the session and reports whether it was present.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return false
	}
	delete(r.sessions, callID)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
