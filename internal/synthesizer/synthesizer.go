// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_synthesizer

import "context"

// Synthesizer converts one sentence of text into a WAV payload. Drivers are
// per-session so connection reuse and timeouts stay scoped to a single call.
type Synthesizer interface {
	// Synthesize returns the encoded audio for text. An error yields no
	// audio; the caller skips the sentence rather than failing the turn.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	Close()
}
