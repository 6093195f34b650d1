// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	internal_agent "github.com/rapidaai/carecall/internal/agent"
	internal_agent_guard "github.com/rapidaai/carecall/internal/agent/guard"
	internal_callstore "github.com/rapidaai/carecall/internal/callstore"
	channel_twilio "github.com/rapidaai/carecall/internal/channel/twilio"
	internal_conversation "github.com/rapidaai/carecall/internal/conversation"
	internal_gate "github.com/rapidaai/carecall/internal/gate"
	internal_metrics "github.com/rapidaai/carecall/internal/metrics"
	internal_synthesizer "github.com/rapidaai/carecall/internal/synthesizer"
	internal_transcriber "github.com/rapidaai/carecall/internal/transcriber"
	"github.com/rapidaai/carecall/pkg/commons"
)

const (
	// welcomeWait bounds the compound ready condition before greeting.
	welcomeWait = 3 * time.Second
	// welcomeSynthesisTimeout bounds the greeting TTS round-trip.
	welcomeSynthesisTimeout = 5 * time.Second
	// firstInboundWait is how long the monitor waits for the first media
	// frame before requesting a carrier-side stream restart.
	firstInboundWait = 3 * time.Second
	// transcriberCloseGrace is the shutdown budget for the STT stream.
	transcriberCloseGrace = 2 * time.Second
	// summarizeTimeout bounds the post-call summary generation.
	summarizeTimeout = 5 * time.Second
	// finalizeTimeout bounds the whole finalization path.
	finalizeTimeout = 15 * time.Second
	// echoTailHypotheses is the recognizer-result countdown armed when the
	// gate closes, absorbing results that belong to agent echo.
	echoTailHypotheses = 2
)

// MediaSocket is the carrier media WebSocket as the controller sees it.
type MediaSocket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// StreamRestarter re-issues the media stream on the carrier REST side.
type StreamRestarter interface {
	RestartStream(ctx context.Context, callSid, elderlyID string) error
}

// Drivers are the per-session provider bindings.
type Drivers struct {
	Transcriber internal_transcriber.Transcriber
	Agent       internal_agent.Agent
	Synthesizer internal_synthesizer.Synthesizer
}

// DriverFactory builds fresh drivers for one call.
type DriverFactory func() Drivers

// Service owns every live call in the process.
type Service struct {
	logger     commons.Logger
	registry   *Registry
	sessions   SessionStore
	store      internal_callstore.Store
	restarter  StreamRestarter
	newDrivers DriverFactory
	metricsDir string

	mu     sync.Mutex
	active map[string]*callRuntime
}

func NewService(
	logger commons.Logger,
	registry *Registry,
	sessions SessionStore,
	store internal_callstore.Store,
	restarter StreamRestarter,
	newDrivers DriverFactory,
	metricsDir string,
) *Service {
	return &Service{
		logger:     logger,
		registry:   registry,
		sessions:   sessions,
		store:      store,
		restarter:  restarter,
		newDrivers: newDrivers,
		metricsDir: metricsDir,
		active:     make(map[string]*callRuntime),
	}
}

// Registry exposes the live-session index (status callbacks consult it).
func (s *Service) Registry() *Registry {
	return s.registry
}

// Finalize ends the named call if it is live; reports whether it was.
func (s *Service) Finalize(callID, reason string) bool {
	s.mu.Lock()
	rt, ok := s.active[callID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	rt.finalize(reason)
	return true
}

// HandleMediaStream runs one carrier media WebSocket to completion. It
// returns after the session is finalized.
func (s *Service) HandleMediaStream(ctx context.Context, conn MediaSocket) {
	rtCtx, cancel := context.WithCancel(ctx)
	rt := &callRuntime{
		logger:      s.logger,
		service:     s,
		conn:        conn,
		ctx:         rtCtx,
		cancel:      cancel,
		inboundSeen: make(chan struct{}),
	}
	rt.adapter = channel_twilio.NewAdapter(s.logger, channel_twilio.AdapterHooks{
		OnStart: rt.onStart,
		OnStop:  func() { rt.finalize("carrier stop") },
		OnMark: func(name string) {
			if sender := rt.getSender(); sender != nil {
				sender.Resolve(name)
			}
		},
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			rt.finalize("media websocket closed")
			break
		}
		if err := rt.adapter.Ingest(raw); err != nil {
			rt.logger.Errorf("media stream protocol error, ending call: %v", err)
			rt.finalize("protocol error")
			break
		}
	}
	rt.wg.Wait()
}

// ----------------------------------------------------------------------------
// Per-call runtime
// ----------------------------------------------------------------------------

type callRuntime struct {
	logger  commons.Logger
	service *Service
	conn    MediaSocket
	adapter *channel_twilio.Adapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session *Session
	metrics *internal_metrics.Collector
	gate    *internal_gate.Gate
	history *internal_conversation.History
	turns   *internal_conversation.Orchestrator
	drv     Drivers

	senderMu sync.Mutex
	sender   *channel_twilio.Sender

	inboundSeen  chan struct{}
	inboundOnce  sync.Once
	restartOnce  sync.Once
	finalizeOnce sync.Once

	// turnMu serializes turns, the greeting and lifecycle utterances.
	turnMu sync.Mutex

	partialMu      sync.Mutex
	firstPartialAt time.Time
}

func (rt *callRuntime) getSender() *channel_twilio.Sender {
	rt.senderMu.Lock()
	defer rt.senderMu.Unlock()
	return rt.sender
}

// onStart wires the whole per-call pipeline once the carrier start event is
// in hand.
func (rt *callRuntime) onStart(p *channel_twilio.StartPayload) {
	elderlyID := p.CustomParameters["elderly_id"]
	rt.logger.Infow("carrier stream started",
		"call_sid", p.CallSid, "stream_sid", p.StreamSid,
		"tracks", strings.Join(p.Tracks, ","), "elderly_id", elderlyID)

	session, created := rt.service.registry.Create(p.CallSid)
	if !created {
		rt.logger.Warnw("duplicate start for live call", "call_sid", p.CallSid)
	}
	session.Bind(p.StreamSid, elderlyID)
	rt.session = session

	rt.service.mu.Lock()
	rt.service.active[p.CallSid] = rt
	rt.service.mu.Unlock()

	if err := rt.service.store.CreateInitiated(rt.ctx, p.CallSid, elderlyID); err != nil {
		rt.logger.Warnw("call row insert failed", "call_sid", p.CallSid, "error", err.Error())
	}

	rt.senderMu.Lock()
	rt.sender = channel_twilio.NewSender(rt.logger, rt.conn, p.StreamSid)
	rt.senderMu.Unlock()

	rt.metrics = internal_metrics.NewCollector(rt.logger, rt.service.metricsDir, p.CallSid)
	rt.gate = internal_gate.NewGate(rt.logger)
	rt.history = internal_conversation.NewHistory()
	rt.drv = rt.service.newDrivers()

	if err := rt.drv.Transcriber.Start(rt.ctx); err != nil {
		rt.logger.Errorf("recognizer start failed: %v", err)
		rt.finalize("recognizer start failed")
		return
	}

	rt.turns = internal_conversation.NewOrchestrator(
		rt.logger, rt.history, rt.drv.Agent, rt.drv.Synthesizer,
		&speechGate{gate: rt.gate, transcriber: rt.drv.Transcriber},
		rt.sender, rt.metrics)

	rt.spawn(rt.pumpMedia)
	rt.spawn(rt.consumeHypotheses)
	rt.spawn(func() {
		rt.gate.RunWatchdog(rt.ctx, func() {
			if err := rt.sender.SendClear(rt.ctx); err != nil {
				rt.logger.Warnw("clear after forced gate close failed", "error", err.Error())
			}
		})
	})
	rt.spawn(rt.runWelcome)
	rt.spawn(rt.monitorFirstInbound)
}

func (rt *callRuntime) spawn(task func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		task()
	}()
}

// pumpMedia moves ordered inbound frames into the recognizer, dropping
// while the speech gate is closed to inbound.
func (rt *callRuntime) pumpMedia() {
	for media := range rt.adapter.Media() {
		rt.inboundOnce.Do(func() { close(rt.inboundSeen) })
		if rt.gate.ShouldDrop() {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(media.Payload)
		if err != nil {
			rt.logger.Warnw("undecodable media payload dropped", "error", err.Error())
			continue
		}
		rt.drv.Transcriber.Feed(payload)
	}
}

// consumeHypotheses reacts to the recognizer stream. Closure of the stream,
// for any reason, ends the session.
func (rt *callRuntime) consumeHypotheses() {
	for hyp := range rt.drv.Transcriber.Results() {
		switch {
		case hyp.MaxTimeWarning:
			rt.handleMaxTimeWarning()
		case !hyp.IsFinal:
			rt.noteFirstPartial()
		default:
			if text := strings.TrimSpace(hyp.Text); text != "" {
				rt.handleFinal(text, hyp)
			}
		}
	}
	rt.finalize("recognizer stream ended")
}

func (rt *callRuntime) noteFirstPartial() {
	rt.partialMu.Lock()
	defer rt.partialMu.Unlock()
	if rt.firstPartialAt.IsZero() {
		rt.firstPartialAt = time.Now()
	}
}

func (rt *callRuntime) takeFirstPartial() time.Time {
	rt.partialMu.Lock()
	defer rt.partialMu.Unlock()
	at := rt.firstPartialAt
	rt.firstPartialAt = time.Time{}
	return at
}

// handleFinal runs one user turn, or the farewell when the user spoke the
// termination phrase.
func (rt *callRuntime) handleFinal(text string, hyp internal_transcriber.Hypothesis) {
	rt.turnMu.Lock()

	if internal_agent_guard.IsTerminationPhrase(text) {
		rt.appendStored(internal_callstore.SpeakerUser, text)
		if err := rt.turns.Say(rt.ctx, farewellReply); err != nil {
			rt.logger.Warnw("farewell synthesis failed", "error", err.Error())
		}
		rt.appendStored(internal_callstore.SpeakerAgent, farewellReply)
		rt.turnMu.Unlock()
		rt.finalize("user terminated")
		return
	}
	defer rt.turnMu.Unlock()

	rt.session.SetState(StateResponding)
	defer rt.session.SetState(StateListening)

	rt.metrics.StartTurn(text)
	rt.metrics.RecordAt(internal_metrics.PointUserSpeechStart, hyp.SpeechStartedAt)
	rt.metrics.RecordAt(internal_metrics.PointFirstPartial, rt.takeFirstPartial())
	rt.metrics.Record(internal_metrics.PointFinalRecognition)

	userOffset := rt.session.Elapsed().Seconds()
	res, err := rt.turns.RunTurn(rt.ctx, text)
	if err != nil {
		rt.logger.Warnw("turn abandoned", "error", err.Error())
		return
	}

	rt.appendStoredAt(internal_callstore.SpeakerUser, text, userOffset)
	for _, sentence := range res.Sentences {
		rt.appendStored(internal_callstore.SpeakerAgent, sentence)
	}
}

// handleMaxTimeWarning speaks the closing notice after any in-flight turn
// finishes, then shuts the call down.
func (rt *callRuntime) handleMaxTimeWarning() {
	rt.logger.Infow("recognizer session cap approaching", "call_sid", rt.callID())

	rt.turnMu.Lock()
	if err := rt.turns.Say(rt.ctx, maxTimeNotice); err != nil {
		rt.logger.Warnw("closing notice synthesis failed", "error", err.Error())
	}
	rt.appendStored(internal_callstore.SpeakerAgent, maxTimeNotice)
	rt.turnMu.Unlock()

	rt.finalize("max session duration")
}

// runWelcome greets once the compound ready condition holds: start has been
// processed and either inbound media was seen or the recognizer reports an
// active stream, all within welcomeWait.
func (rt *callRuntime) runWelcome() {
	deadline := time.NewTimer(welcomeWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

wait:
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-rt.inboundSeen:
			break wait
		case <-deadline.C:
			break wait
		case <-tick.C:
			if rt.drv.Transcriber.Active() {
				break wait
			}
		}
	}

	rt.turnMu.Lock()
	defer rt.turnMu.Unlock()
	if rt.ctx.Err() != nil {
		return
	}

	rt.session.SetState(StateGreeting)
	defer rt.session.SetState(StateListening)

	greeting := greetingFor(time.Now())
	ctx, cancel := context.WithTimeout(rt.ctx, welcomeSynthesisTimeout)
	defer cancel()
	if err := rt.turns.Say(ctx, greeting); err != nil {
		rt.logger.Warnw("greeting delivery failed", "error", err.Error())
		return
	}
	// The greeting opens the dialogue history too, so the model does not
	// greet a second time on the first user turn.
	rt.history.Append(internal_agent.RoleAssistant, greeting)
	rt.appendStored(internal_callstore.SpeakerAgent, greeting)
}

// monitorFirstInbound requests one carrier-side stream restart when no
// inbound media shows up after answer.
func (rt *callRuntime) monitorFirstInbound() {
	timer := time.NewTimer(firstInboundWait)
	defer timer.Stop()

	select {
	case <-rt.ctx.Done():
	case <-rt.inboundSeen:
	case <-timer.C:
		if rt.service.restarter == nil {
			rt.logger.Warnw("no inbound media and no restarter configured", "call_sid", rt.callID())
			return
		}
		rt.restartOnce.Do(func() {
			rt.logger.Warnw("no inbound media, restarting stream", "call_sid", rt.callID())
			if err := rt.service.restarter.RestartStream(rt.ctx, rt.callID(), rt.session.ElderlyID); err != nil {
				rt.logger.Warnw("stream restart failed", "error", err.Error())
			}
		})
	}
}

func (rt *callRuntime) callID() string {
	if rt.session == nil {
		return ""
	}
	return rt.session.CallID
}

func (rt *callRuntime) appendStored(speaker, text string) {
	rt.appendStoredAt(speaker, text, rt.session.Elapsed().Seconds())
}

func (rt *callRuntime) appendStoredAt(speaker, text string, offset float64) {
	err := rt.service.sessions.AppendMessage(rt.ctx, rt.callID(), StoredMessage{
		Speaker:   speaker,
		Text:      text,
		OffsetSec: offset,
	})
	if err != nil {
		rt.logger.Warnw("session store append failed", "error", err.Error())
	}
}

// finalize is the exactly-once teardown: the process-local once collapses
// repeat triggers from this runtime, the store lock and flags collapse
// triggers across paths and instances.
func (rt *callRuntime) finalize(reason string) {
	rt.finalizeOnce.Do(func() {
		callID := rt.callID()
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		rt.logger.Infow("finalizing session", "call_sid", callID, "reason", reason)
		if rt.session != nil {
			rt.session.SetState(StateClosing)
		}

		// Local teardown happens regardless of who holds the call lock;
		// these resources belong to this runtime alone.
		if rt.drv.Transcriber != nil {
			sttCtx, sttCancel := context.WithTimeout(ctx, transcriberCloseGrace)
			if err := rt.drv.Transcriber.Close(sttCtx); err != nil {
				rt.logger.Warnw("recognizer close failed", "error", err.Error())
			}
			sttCancel()
		}
		rt.cancel()
		if rt.gate != nil {
			rt.gate.StopBotSpeaking()
		}
		if rt.drv.Synthesizer != nil {
			rt.drv.Synthesizer.Close()
		}

		// An in-flight turn or greeting has just been cancelled; wait for
		// it to unwind so the session store holds its final shape.
		rt.turnMu.Lock()
		rt.turnMu.Unlock() //nolint:staticcheck // barrier, not a critical section

		// Summary goes in only after the last turn's rewrite settled; the
		// collector also retains it so a straggling rewrite keeps it.
		if rt.metrics != nil {
			if err := rt.metrics.Finalize(); err != nil {
				rt.logger.Warnw("metrics finalize failed", "error", err.Error())
			}
		}

		// Persistence and registry removal run under the call-id lock so a
		// racing trigger path (stop event, status callback, socket close)
		// does not double-write.
		if callID != "" {
			ok, err := rt.service.sessions.AcquireFinalizeLock(ctx, callID)
			if err != nil {
				rt.logger.Warnw("finalize lock error", "call_sid", callID, "error", err.Error())
			}
			if ok {
				rt.persistOnce(ctx, callID)
				rt.service.registry.Remove(callID)
				if _, err := rt.service.sessions.MarkFinalized(ctx, callID); err != nil {
					rt.logger.Warnw("finalized flag error", "error", err.Error())
				}
				if err := rt.service.sessions.ReleaseFinalizeLock(ctx, callID); err != nil {
					rt.logger.Warnw("finalize lock release failed", "error", err.Error())
				}
			} else {
				rt.logger.Infow("finalization already in progress elsewhere", "call_sid", callID)
			}
			rt.service.mu.Lock()
			delete(rt.service.active, callID)
			rt.service.mu.Unlock()
		}

		rt.adapter.Close()
		_ = rt.conn.Close()
		if rt.session != nil {
			rt.session.SetState(StateClosed)
		}
	})
}

// persistOnce writes the transcript, summary and completed status, guarded
// by the saved-once flag.
func (rt *callRuntime) persistOnce(ctx context.Context, callID string) {
	first, err := rt.service.sessions.MarkSaved(ctx, callID)
	if err != nil {
		rt.logger.Warnw("saved flag error", "call_sid", callID, "error", err.Error())
		return
	}
	if !first {
		return
	}

	conversation, err := rt.service.sessions.Conversation(ctx, callID)
	if err != nil {
		rt.logger.Warnw("conversation read failed", "call_sid", callID, "error", err.Error())
	}
	entries := make([]internal_callstore.TranscriptEntry, len(conversation))
	for i, msg := range conversation {
		entries[i] = internal_callstore.TranscriptEntry{
			Speaker:   msg.Speaker,
			Text:      msg.Text,
			OffsetSec: msg.OffsetSec,
		}
	}
	if err := rt.service.store.SaveTranscripts(ctx, callID, entries); err != nil {
		rt.logger.Warnw("transcript persist failed", "call_sid", callID, "error", err.Error())
	}

	if rt.history != nil && rt.history.Len() > 0 && rt.drv.Agent != nil {
		sumCtx, sumCancel := context.WithTimeout(ctx, summarizeTimeout)
		summary, err := rt.drv.Agent.Summarize(sumCtx, rt.history.Snapshot())
		sumCancel()
		if err != nil {
			rt.logger.Warnw("summary generation failed", "call_sid", callID, "error", err.Error())
		} else if err := rt.service.store.SaveSummary(ctx, callID, summary); err != nil {
			rt.logger.Warnw("summary persist failed", "call_sid", callID, "error", err.Error())
		}
	}

	if err := rt.service.store.Complete(ctx, callID, time.Now()); err != nil {
		rt.logger.Warnw("call completion update failed", "call_sid", callID, "error", err.Error())
	}
	if err := rt.service.sessions.Clear(ctx, callID); err != nil {
		rt.logger.Warnw("session state clear failed", "call_sid", callID, "error", err.Error())
	}
}

// speechGate composes the echo gate with the recognizer's suppression
// flags so the turn orchestrator flips both together.
type speechGate struct {
	gate        *internal_gate.Gate
	transcriber internal_transcriber.Transcriber
}

func (g *speechGate) StartBotSpeaking() {
	g.gate.StartBotSpeaking()
	g.transcriber.SetBotSpeaking(true)
}

func (g *speechGate) StopBotSpeaking() {
	g.gate.StopBotSpeaking()
	g.transcriber.SetBotSpeaking(false)
	g.transcriber.SetSilenceDelay(echoTailHypotheses)
}
