// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_agent

import (
	"context"
	"time"
)

// Role of a dialogue message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one dialogue history entry.
type Message struct {
	Role Role
	Text string
}

// Reply is a completed assistant response with its stream timing.
type Reply struct {
	Text string

	// FirstTokenAt is the wall-clock time of the first delta containing
	// non-whitespace. Zero when the stream produced nothing.
	FirstTokenAt time.Time

	// CompletedAt is the time of the stream's terminal event.
	CompletedAt time.Time
}

// Agent is the streaming language-model driver. StreamReply invokes onDelta
// for every text delta as it arrives and returns the concatenated message.
// An error after the first token still returns the partial reply collected
// so far.
type Agent interface {
	StreamReply(ctx context.Context, history []Message, onDelta func(delta string)) (*Reply, error)

	// Summarize produces a short post-call summary of the dialogue.
	Summarize(ctx context.Context, history []Message) (string, error)
}
