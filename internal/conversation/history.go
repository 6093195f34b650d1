// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_conversation owns the dialogue state of one call: the
// trimmed history, the sentence segmenter over the LLM token stream, and the
// turn orchestrator that drives one user-utterance-to-spoken-reply cycle.
package internal_conversation

import (
	"sync"

	internal_agent "github.com/rapidaai/carecall/internal/agent"
)

// maxHistory bounds the retained dialogue to the most recent messages.
const maxHistory = 20

// History is the dialogue message list for one session. Mutated only inside
// the turn orchestrator; snapshots are safe to hand to the LLM driver.
type History struct {
	mu       sync.Mutex
	messages []internal_agent.Message
}

func NewHistory() *History {
	return &History{}
}

// Append adds a message and trims to the most recent maxHistory entries.
func (h *History) Append(role internal_agent.Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, internal_agent.Message{Role: role, Text: text})
	if len(h.messages) > maxHistory {
		h.messages = h.messages[len(h.messages)-maxHistory:]
	}
}

// DropLast removes the most recent message when it matches role. Used by the
// cancellation path to keep user/assistant pairing consistent.
func (h *History) DropLast(role internal_agent.Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.messages); n > 0 && h.messages[n-1].Role == role {
		h.messages = h.messages[:n-1]
	}
}

// Snapshot returns a copy of the current messages.
func (h *History) Snapshot() []internal_agent.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]internal_agent.Message(nil), h.messages...)
}

// Len reports the number of retained messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}
