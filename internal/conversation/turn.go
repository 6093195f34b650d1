// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_conversation

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	internal_agent "github.com/rapidaai/carecall/internal/agent"
	internal_agent_guard "github.com/rapidaai/carecall/internal/agent/guard"
	internal_audio "github.com/rapidaai/carecall/internal/audio"
	channel_twilio "github.com/rapidaai/carecall/internal/channel/twilio"
	internal_metrics "github.com/rapidaai/carecall/internal/metrics"
	internal_synthesizer "github.com/rapidaai/carecall/internal/synthesizer"
	"github.com/rapidaai/carecall/pkg/commons"
)

// fallbackReply is spoken when the completion stream fails before producing
// anything usable.
const fallbackReply = "죄송해요, 제가 잘 못 들었어요. 다시 한번 말씀해 주시겠어요?"

// sentenceJobs buffers segmented sentences between the stream callback and
// the speaker; the speaker drains it strictly in order.
const sentenceJobBuffer = 16

// SpeechGate opens before agent audio goes out and closes on every exit path
// of a turn. The session controller composes the echo gate and the STT
// driver's suppression flags behind this.
type SpeechGate interface {
	StartBotSpeaking()
	StopBotSpeaking()
}

// Delivery is the ordered, ack-bounded outbound audio path.
type Delivery interface {
	DeliverWithAck(ctx context.Context, f channel_twilio.Fragment) error
}

// MetricsRecorder is the per-turn latency sink.
type MetricsRecorder interface {
	Record(p internal_metrics.Point)
	RecordAt(p internal_metrics.Point, at time.Time)
	EndTurn(assistantText string) error
}

// Result of one completed turn.
type Result struct {
	AssistantText string

	// Sentences are the utterances actually spoken, in wire order. When
	// nothing could be synthesized this falls back to the history text.
	Sentences []string

	// EndIntent is set when the reply was the confirm-to-end utterance.
	EndIntent bool
}

// Orchestrator drives one response cycle: user text in, ordered agent audio
// out, history and metrics updated.
type Orchestrator struct {
	logger   commons.Logger
	history  *History
	agent    internal_agent.Agent
	synth    internal_synthesizer.Synthesizer
	gate     SpeechGate
	delivery Delivery
	metrics  MetricsRecorder

	// now is injectable for tests.
	now func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	logger commons.Logger,
	history *History,
	agent internal_agent.Agent,
	synth internal_synthesizer.Synthesizer,
	gate SpeechGate,
	delivery Delivery,
	metrics MetricsRecorder,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		logger:   logger,
		history:  history,
		agent:    agent,
		synth:    synth,
		gate:     gate,
		delivery: delivery,
		metrics:  metrics,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type sentenceJob struct {
	index int
	text  string
}

// RunTurn executes one user-final-to-spoken-reply cycle. The caller has
// already started the metrics turn and stamped the recognition points.
func (o *Orchestrator) RunTurn(ctx context.Context, userText string) (*Result, error) {
	o.history.Append(internal_agent.RoleUser, userText)

	o.gate.StartBotSpeaking()
	defer o.gate.StopBotSpeaking()

	ended := false
	endTurn := func(text string) {
		if ended {
			return
		}
		ended = true
		if err := o.metrics.EndTurn(text); err != nil {
			o.logger.Warnw("metrics rewrite failed", "error", err.Error())
		}
	}
	defer endTurn("")

	// A user who asked to hang up gets the confirmation prompt without a
	// model round-trip.
	if internal_agent_guard.HasEndIntent(userText) {
		refined := internal_agent_guard.Refine(userText, "")
		o.metrics.Record(internal_metrics.PointTTSStart)
		o.speakOne(ctx, 0, refined.Text, true)
		o.history.Append(internal_agent.RoleAssistant, refined.Text)
		endTurn(refined.Text)
		return &Result{
			AssistantText: refined.Text,
			Sentences:     []string{refined.Text},
			EndIntent:     true,
		}, nil
	}

	segmenter := NewSegmenter()
	jobs := make(chan sentenceJob, sentenceJobBuffer)
	group, gctx := errgroup.WithContext(ctx)

	var spokenSentences []string
	group.Go(func() error {
		spokenSentences = o.speakSentences(gctx, jobs)
		return nil
	})

	index := 0
	enqueue := func(sentence string) {
		select {
		case jobs <- sentenceJob{index: index, text: sentence}:
			index++
		case <-gctx.Done():
		}
	}

	reply, llmErr := o.agent.StreamReply(gctx, o.history.Snapshot(), func(delta string) {
		for _, sentence := range segmenter.Push(delta) {
			enqueue(sentence)
		}
	})

	if llmErr == nil {
		if residual := segmenter.Flush(); residual != "" {
			enqueue(residual)
		}
		o.metrics.RecordAt(internal_metrics.PointLLMFirstToken, reply.FirstTokenAt)
		o.metrics.RecordAt(internal_metrics.PointLLMCompletion, reply.CompletedAt)
	}
	close(jobs)
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		// Cancelled mid-turn: leave the history with neither side of the
		// exchange rather than a dangling user message.
		o.history.DropLast(internal_agent.RoleUser)
		return nil, err
	}

	if llmErr != nil {
		o.logger.Warnw("completion failed, speaking fallback", "error", llmErr.Error())
		o.metrics.Record(internal_metrics.PointTTSStart)
		o.speakOne(ctx, index, fallbackReply, true)
		o.history.Append(internal_agent.RoleAssistant, fallbackReply)
		endTurn(fallbackReply)
		return &Result{AssistantText: fallbackReply, Sentences: []string{fallbackReply}}, nil
	}

	refined := internal_agent_guard.Refine(userText, reply.Text)
	o.history.Append(internal_agent.RoleAssistant, refined.Text)
	endTurn(refined.Text)
	if len(spokenSentences) == 0 {
		spokenSentences = []string{refined.Text}
	}
	return &Result{AssistantText: refined.Text, Sentences: spokenSentences}, nil
}

// speakSentences synthesizes and delivers queued sentences strictly in
// order, applying the reply guard per sentence and capping the spoken count.
// It returns the sentences that actually went out, in order.
func (o *Orchestrator) speakSentences(ctx context.Context, jobs <-chan sentenceJob) []string {
	first := true
	capped := false
	var spoken []string
	var lastDone time.Time

	for job := range jobs {
		if ctx.Err() != nil || capped || len(spoken) >= internal_agent_guard.MaxSentences {
			continue // drain; outstanding results are discarded
		}

		refined := internal_agent_guard.Refine("", job.text)
		if refined.Text == "" {
			continue
		}
		if first {
			o.metrics.Record(internal_metrics.PointTTSStart)
		}
		if !o.speakOne(ctx, job.index, refined.Text, first) {
			continue
		}
		first = false
		spoken = append(spoken, refined.Text)
		lastDone = o.now()

		// A fallback substitutes the whole reply; anything after it would
		// not follow.
		capped = refined.Replaced
	}

	if !lastDone.IsZero() {
		o.metrics.RecordAt(internal_metrics.PointTTSLastCompletion, lastDone)
	}
	return spoken
}

// speakOne synthesizes one sentence and delivers it with the ack contract.
// Failures are logged and absorbed; the turn never aborts on one sentence.
func (o *Orchestrator) speakOne(ctx context.Context, index int, text string, firstOfTurn bool) bool {
	wav, err := o.synth.Synthesize(ctx, text)
	if err != nil {
		o.logger.Warnw("synthesis failed, skipping sentence",
			"sentence", index, "error", err.Error())
		return false
	}

	mulaw, seconds, err := internal_audio.TranscodeWAVToMulaw(wav)
	if err != nil {
		o.logger.Warnw("audio transcode failed, skipping sentence",
			"sentence", index, "error", err.Error())
		return false
	}

	if firstOfTurn {
		o.metrics.RecordAt(internal_metrics.PointTTSFirstCompletion, o.now())
	}

	err = o.delivery.DeliverWithAck(ctx, channel_twilio.Fragment{
		Index:   index,
		Mulaw:   mulaw,
		Seconds: seconds,
	})
	if err != nil {
		// Clear has already been sent on timeout; the call goes on.
		o.logger.Warnw("delivery not acknowledged",
			"sentence", index, "error", err.Error())
	}
	return true
}

// Say delivers one utterance outside a user turn (greeting, farewell,
// closing notice) under the gate.
func (o *Orchestrator) Say(ctx context.Context, text string) error {
	o.gate.StartBotSpeaking()
	defer o.gate.StopBotSpeaking()

	wav, err := o.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	mulaw, seconds, err := internal_audio.TranscodeWAVToMulaw(wav)
	if err != nil {
		return err
	}
	return o.delivery.DeliverWithAck(ctx, channel_twilio.Fragment{Mulaw: mulaw, Seconds: seconds})
}
