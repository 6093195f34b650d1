// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	internal_agent "github.com/rapidaai/carecall/internal/agent"
)

func TestSegmenter_SplitsOnTerminalPunctuation(t *testing.T) {
	s := NewSegmenter()

	assert.Empty(t, s.Push("안녕하세요"))
	got := s.Push("! 반가워요.")
	assert.Equal(t, []string{"안녕하세요!", "반가워요."}, got)
	assert.Empty(t, s.Flush())
}

func TestSegmenter_SentenceSpreadAcrossDeltas(t *testing.T) {
	s := NewSegmenter()

	var sentences []string
	for _, delta := range []string{"오늘", " 날씨가", " 참 좋네요", ". 산책 다녀오세요."} {
		sentences = append(sentences, s.Push(delta)...)
	}
	assert.Equal(t, []string{"오늘 날씨가 참 좋네요.", "산책 다녀오세요."}, sentences)
}

func TestSegmenter_SoftLimitSplitsAtRecentComma(t *testing.T) {
	s := NewSegmenter()

	// 41 runes with a comma at the very end: soft limit plus trailing comma.
	head := strings.Repeat("가", 40)
	got := s.Push(head + ",")
	assert.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0], ","))
	assert.Empty(t, s.Flush(), "the comma split consumed the whole buffer")
}

func TestSegmenter_SoftLimitIgnoresOldComma(t *testing.T) {
	s := NewSegmenter()

	// The comma sits well before the trailing window, so no split happens
	// until the hard limit.
	got := s.Push("가나다, " + strings.Repeat("라", 40))
	assert.Empty(t, got)
	assert.NotEmpty(t, s.Flush())
}

func TestSegmenter_HardLimitForcesSplit(t *testing.T) {
	s := NewSegmenter()

	got := s.Push(strings.Repeat("가", 85))
	assert.Len(t, got, 1)
	assert.Equal(t, 80, len([]rune(got[0])))
	assert.Equal(t, 5, len([]rune(s.Flush())))
}

func TestSegmenter_FlushReturnsResidual(t *testing.T) {
	s := NewSegmenter()
	assert.Empty(t, s.Push("끝맺지 않은 말"))
	assert.Equal(t, "끝맺지 않은 말", s.Flush())
	assert.Empty(t, s.Flush())
}

func TestHistory_TrimsToMostRecentTwenty(t *testing.T) {
	h := NewHistory()
	for turn := 1; turn <= 15; turn++ {
		h.Append(internal_agent.RoleUser, "질문")
		h.Append(internal_agent.RoleAssistant, "답변")

		want := 2 * turn
		if want > 20 {
			want = 20
		}
		assert.Equal(t, want, h.Len(), "after %d turns", turn)
	}

	// The retained window is the most recent messages.
	h2 := NewHistory()
	for i := 0; i < 30; i++ {
		role := internal_agent.RoleUser
		if i%2 == 1 {
			role = internal_agent.RoleAssistant
		}
		h2.Append(role, strings.Repeat("x", i+1))
	}
	snap := h2.Snapshot()
	assert.Len(t, snap, 20)
	assert.Len(t, snap[0].Text, 11, "oldest retained message is the 11th appended")
	assert.Len(t, snap[19].Text, 30)
}

func TestHistory_DropLastMatchesRole(t *testing.T) {
	h := NewHistory()
	h.Append(internal_agent.RoleUser, "질문")
	h.DropLast(internal_agent.RoleAssistant)
	assert.Equal(t, 1, h.Len(), "role mismatch leaves history untouched")

	h.DropLast(internal_agent.RoleUser)
	assert.Zero(t, h.Len())
}
