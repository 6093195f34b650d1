// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_agent_openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_agent "github.com/rapidaai/carecall/internal/agent"
	"github.com/rapidaai/carecall/pkg/commons"
)

// newStreamServer serves one chat-completion stream built from the given
// content deltas, capturing the request body for assertions.
func newStreamServer(t *testing.T, deltas []string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			payload, err := json.Marshal(map[string]any{
				"id":      "chatcmpl-test",
				"object":  "chat.completion.chunk",
				"model":   "gpt-4o-mini",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": d}}},
			})
			require.NoError(t, err)
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestAgent(t *testing.T, baseURL string) internal_agent.Agent {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLogLevel("error"))
	require.NoError(t, err)
	return NewAgent(logger, "test-key", "gpt-4o-mini", WithBaseURL(baseURL))
}

func TestStreamReply_CollectsDeltasInOrder(t *testing.T) {
	var body map[string]any
	server := newStreamServer(t, []string{"안녕하세요", "!", " 반가워요."}, &body)
	defer server.Close()
	agent := newTestAgent(t, server.URL)

	var deltas []string
	before := time.Now()
	reply, err := agent.StreamReply(context.Background(),
		[]internal_agent.Message{{Role: internal_agent.RoleUser, Text: "안녕하세요"}},
		func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, "안녕하세요! 반가워요.", reply.Text)
	assert.Equal(t, []string{"안녕하세요", "!", " 반가워요."}, deltas)
	assert.False(t, reply.FirstTokenAt.Before(before))
	assert.False(t, reply.CompletedAt.Before(reply.FirstTokenAt))

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2, "system + one user message")
	system := messages[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Contains(t, system["content"], "그랜비")
}

func TestStreamReply_FailureBeforeFirstToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "bad request"}}`, http.StatusBadRequest)
	}))
	defer server.Close()
	agent := newTestAgent(t, server.URL)

	_, err := agent.StreamReply(context.Background(),
		[]internal_agent.Message{{Role: internal_agent.RoleUser, Text: "안녕하세요"}}, nil)
	require.Error(t, err)
}

func TestStreamReply_CapsWireHistory(t *testing.T) {
	var body map[string]any
	server := newStreamServer(t, []string{"네."}, &body)
	defer server.Close()
	agent := newTestAgent(t, server.URL)

	var history []internal_agent.Message
	for i := 0; i < 12; i++ {
		role := internal_agent.RoleUser
		if i%2 == 1 {
			role = internal_agent.RoleAssistant
		}
		history = append(history, internal_agent.Message{
			Role: role, Text: fmt.Sprintf("메시지 %d번이에요", i),
		})
	}

	_, err := agent.StreamReply(context.Background(), history, nil)
	require.NoError(t, err)

	messages := body["messages"].([]any)
	assert.Len(t, messages, wireHistoryCap+1, "system plus the most recent window")
	last := messages[len(messages)-1].(map[string]any)
	assert.Contains(t, last["content"], "11번")
}

func TestStreamReply_ShortUtteranceGetsAnecdoteHint(t *testing.T) {
	var body map[string]any
	server := newStreamServer(t, []string{"네."}, &body)
	defer server.Close()
	agent := newTestAgent(t, server.URL)

	_, err := agent.StreamReply(context.Background(),
		[]internal_agent.Message{{Role: internal_agent.RoleUser, Text: "네"}}, nil)
	require.NoError(t, err)

	system := body["messages"].([]any)[0].(map[string]any)
	assert.Contains(t, system["content"], "일화")
}

func TestSummarize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-test",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  어르신은 건강히 지내고 계십니다.  "}}]
		}`)
	}))
	defer server.Close()
	agent := newTestAgent(t, server.URL)

	summary, err := agent.Summarize(context.Background(), []internal_agent.Message{
		{Role: internal_agent.RoleUser, Text: "잘 지냈어요"},
	})
	require.NoError(t, err)
	assert.Equal(t, "어르신은 건강히 지내고 계십니다.", summary)
}

func TestIsShortUtterance(t *testing.T) {
	assert.True(t, isShortUtterance("네"))
	assert.True(t, isShortUtterance("그렇지"))
	assert.True(t, isShortUtterance("응응"))
	assert.False(t, isShortUtterance("오늘은 날씨가 참 좋네요"))
}

func TestLocalizedNow(t *testing.T) {
	at := time.Date(2026, 8, 28, 5, 30, 0, 0, time.UTC) // 14:30 KST
	s := localizedNow(at)
	assert.Contains(t, s, "2026년 8월 28일")
	assert.Contains(t, s, "오후 2시 30분")
}
