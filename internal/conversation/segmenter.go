// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_conversation

import "strings"

const (
	// segmentSoftLimit is the buffer length beyond which a recent comma
	// becomes a split point.
	segmentSoftLimit = 40
	// segmentCommaWindow is how far back from the buffer end a comma counts.
	segmentCommaWindow = 5
	// segmentHardLimit forces a split regardless of punctuation.
	segmentHardLimit = 80
)

func isSentenceTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isComma(r rune) bool {
	return r == ',' || r == '、' || r == '，'
}

// Segmenter accumulates streamed LLM deltas and emits speakable sentences as
// soon as a boundary rule fires, so synthesis can start before the stream
// completes.
type Segmenter struct {
	buf []rune
}

func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Push appends one delta and returns any sentences completed by it, in order.
func (s *Segmenter) Push(delta string) []string {
	var out []string
	for _, r := range delta {
		s.buf = append(s.buf, r)

		if isSentenceTerminal(r) {
			out = appendSentence(out, s.take(len(s.buf)))
			continue
		}
		if len(s.buf) >= segmentHardLimit {
			out = appendSentence(out, s.take(len(s.buf)))
			continue
		}
		if len(s.buf) > segmentSoftLimit {
			if cut := s.recentCommaIndex(); cut >= 0 {
				out = appendSentence(out, s.take(cut+1))
			}
		}
	}
	return out
}

// Flush returns whatever is still buffered as the final sentence.
func (s *Segmenter) Flush() string {
	return s.take(len(s.buf))
}

// recentCommaIndex finds the last comma within the trailing window.
func (s *Segmenter) recentCommaIndex() int {
	start := len(s.buf) - segmentCommaWindow
	if start < 0 {
		start = 0
	}
	for i := len(s.buf) - 1; i >= start; i-- {
		if isComma(s.buf[i]) {
			return i
		}
	}
	return -1
}

// take removes the first n runes and returns them trimmed.
func (s *Segmenter) take(n int) string {
	if n <= 0 {
		return ""
	}
	sentence := strings.TrimSpace(string(s.buf[:n]))
	s.buf = s.buf[n:]
	return sentence
}

func appendSentence(out []string, sentence string) []string {
	if sentence == "" {
		return out
	}
	return append(out, sentence)
}
