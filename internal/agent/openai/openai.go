// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_agent_openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	internal_agent "github.com/rapidaai/carecall/internal/agent"
	"github.com/rapidaai/carecall/pkg/commons"
)

// wireHistoryCap limits the interleaved user/assistant messages sent with a
// request to the most recent 4 turns.
const wireHistoryCap = 8

type openAIAgent struct {
	logger commons.Logger
	client oai.Client
	model  string

	// now is injectable for tests.
	now func() time.Time
}

// Option configures the driver.
type Option func(*openAIAgent)

// WithBaseURL points the client at a non-default endpoint (tests).
func WithBaseURL(url string) Option {
	return func(a *openAIAgent) {
		a.client = oai.NewClient(option.WithAPIKey("test"), option.WithBaseURL(url))
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(a *openAIAgent) { a.now = now }
}

// NewAgent creates the streaming chat-completion driver.
func NewAgent(logger commons.Logger, apiKey, model string, opts ...Option) internal_agent.Agent {
	a := &openAIAgent{
		logger: logger,
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// buildMessages assembles system persona + runtime context + capped history.
func (a *openAIAgent) buildMessages(history []internal_agent.Message) []oai.ChatCompletionMessageParamUnion {
	system := personaPrompt + "\n\n" + localizedNow(a.now())

	if n := len(history); n > 0 && history[n-1].Role == internal_agent.RoleUser &&
		isShortUtterance(history[n-1].Text) {
		system += "\n\n" + shortUtteranceHint
	}

	if len(history) > wireHistoryCap {
		history = history[len(history)-wireHistoryCap:]
	}

	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, oai.SystemMessage(system))
	for _, m := range history {
		switch m.Role {
		case internal_agent.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Text))
		default:
			messages = append(messages, oai.UserMessage(m.Text))
		}
	}
	return messages
}

// StreamReply implements internal_agent.Agent.
func (a *openAIAgent) StreamReply(
	ctx context.Context,
	history []internal_agent.Message,
	onDelta func(string),
) (*internal_agent.Reply, error) {
	params := oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(a.model),
		Messages:            a.buildMessages(history),
		Temperature:         param.NewOpt(0.7),
		MaxCompletionTokens: param.NewOpt(int64(256)),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	reply := &internal_agent.Reply{}
	var sb strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if reply.FirstTokenAt.IsZero() && strings.TrimSpace(delta) != "" {
			reply.FirstTokenAt = a.now()
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	reply.Text = sb.String()
	reply.CompletedAt = a.now()

	if err := stream.Err(); err != nil {
		if reply.FirstTokenAt.IsZero() {
			return nil, fmt.Errorf("openai: stream failed before first token: %w", err)
		}
		// The partial message is still usable; the turn finishes with it.
		a.logger.Warnw("completion stream ended early, keeping partial reply",
			"error", err.Error(), "collected", len(reply.Text))
		return reply, nil
	}
	return reply, nil
}

// Summarize implements internal_agent.Agent with a non-streaming call.
func (a *openAIAgent) Summarize(ctx context.Context, history []internal_agent.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString(summaryPrompt)
	sb.WriteString("\n\n")
	for _, m := range history {
		speaker := "어르신"
		if m.Role == internal_agent.RoleAssistant {
			speaker = "그랜비"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, m.Text)
	}

	completion, err := a.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(a.model),
		Messages:            []oai.ChatCompletionMessageParamUnion{oai.UserMessage(sb.String())},
		MaxCompletionTokens: param.NewOpt(int64(200)),
	})
	if err != nil {
		return "", fmt.Errorf("openai: summarize: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai: summarize: empty response")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}
