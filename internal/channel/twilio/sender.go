// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package channel_twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/carecall/internal/audio"
	"github.com/rapidaai/carecall/pkg/commons"
)

// ErrAckTimeout reports that a sent mark was never acknowledged within the
// delivery deadline. The playback queue has already been cleared when this
// is returned.
var ErrAckTimeout = errors.New("twilio: mark acknowledgement timed out")

const (
	// maxChunkBase64 is the carrier's practical payload ceiling per media
	// frame. 8000 base64 chars decode to 6000 µ-law bytes (750 ms).
	maxChunkBase64 = 8000

	// interChunkDelay yields the write-half to the carrier between chunks.
	interChunkDelay = 20 * time.Millisecond

	// ackGrace is added to the fragment's playback estimate when waiting
	// for its mark.
	ackGrace = 500 * time.Millisecond

	// ackCeiling caps the mark wait regardless of fragment length.
	ackCeiling = 8 * time.Second
)

// Fragment is one synthesized sentence ready for the wire.
type Fragment struct {
	// Index is the sentence index within the turn, strictly increasing.
	Index int
	// Mulaw is the encoded audio, µ-law 8 kHz mono.
	Mulaw []byte
	// Seconds is the estimated playback duration.
	Seconds float64
}

// MediaConn is the write-half of the media WebSocket.
type MediaConn interface {
	WriteMessage(messageType int, data []byte) error
}

// Sender serializes every outbound write on the media WebSocket. One mutex
// queues concurrent callers FIFO; audio is chunked and paced; marks are
// tracked in a pending table keyed by name until acknowledged or abandoned.
//
// There is no retry on write error — the session controller treats a failed
// write as terminal for the call.
type Sender struct {
	logger    commons.Logger
	conn      MediaConn
	streamSid string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan struct{}

	// sleep is injectable so tests do not pay the pacing delay.
	sleep func(time.Duration)
}

// NewSender creates the session-exclusive ordered sender.
func NewSender(logger commons.Logger, conn MediaConn, streamSid string) *Sender {
	return &Sender{
		logger:    logger,
		conn:      conn,
		streamSid: streamSid,
		pending:   make(map[string]chan struct{}),
		sleep:     time.Sleep,
	}
}

func (s *Sender) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("twilio: marshal outbound frame: %w", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudio writes one fragment as a run of media frames, chunked to at
// most maxChunkBase64 characters and paced interChunkDelay apart. The write
// mutex is held for the whole fragment so fragments never interleave.
func (s *Sender) SendAudio(ctx context.Context, mulaw []byte) error {
	encoded := base64.StdEncoding.EncodeToString(mulaw)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for off := 0; off < len(encoded); off += maxChunkBase64 {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + maxChunkBase64
		if end > len(encoded) {
			end = len(encoded)
		}
		frame := Event{
			Event:     EventMedia,
			StreamSid: s.streamSid,
			Media:     &MediaPayload{Payload: encoded[off:end]},
		}
		if err := s.write(frame); err != nil {
			return fmt.Errorf("twilio: media write: %w", err)
		}
		if end < len(encoded) {
			s.sleep(interChunkDelay)
		}
	}
	return nil
}

// SendMark writes a framed mark event with the caller-chosen name.
func (s *Sender) SendMark(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(Event{
		Event:     EventMark,
		StreamSid: s.streamSid,
		Mark:      &MarkPayload{Name: name},
	})
}

// SendClear asks the carrier to drop its buffered outbound audio.
func (s *Sender) SendClear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(Event{Event: EventClear, StreamSid: s.streamSid})
}

// register adds a pending mark and returns its completion channel.
func (s *Sender) register(name string) chan struct{} {
	done := make(chan struct{})
	s.pendingMu.Lock()
	s.pending[name] = done
	s.pendingMu.Unlock()
	return done
}

// unregister removes a pending mark on every exit path.
func (s *Sender) unregister(name string) {
	s.pendingMu.Lock()
	delete(s.pending, name)
	s.pendingMu.Unlock()
}

// Resolve routes an inbound mark acknowledgement by name. Unknown names are
// ignored: the mark may have been abandoned by timeout already.
func (s *Sender) Resolve(name string) {
	s.pendingMu.Lock()
	done, ok := s.pending[name]
	if ok {
		delete(s.pending, name)
	}
	s.pendingMu.Unlock()
	if ok {
		close(done)
	}
}

// PendingMarks reports the number of marks currently awaiting
// acknowledgement.
func (s *Sender) PendingMarks() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// ackTimeout is min(estimate + grace, ceiling).
func ackTimeout(seconds float64) time.Duration {
	d := time.Duration(seconds*float64(time.Second)) + ackGrace
	if d > ackCeiling {
		d = ackCeiling
	}
	return d
}

// DeliverWithAck performs the ack-bounded delivery contract: send the
// fragment, register and send a fresh mark, then wait for the carrier to
// echo it. On timeout the playback queue is cleared and ErrAckTimeout is
// returned; the caller decides whether the turn survives (it normally does).
func (s *Sender) DeliverWithAck(ctx context.Context, f Fragment) error {
	if len(f.Mulaw) == 0 {
		return nil
	}
	if err := s.SendAudio(ctx, f.Mulaw); err != nil {
		return err
	}

	name := fmt.Sprintf("s%d-%s", f.Index, uuid.NewString())
	done := s.register(name)
	defer s.unregister(name)

	if err := s.SendMark(ctx, name); err != nil {
		return err
	}

	timer := time.NewTimer(ackTimeout(f.Seconds))
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.logger.Warnw("mark not acknowledged, clearing playback queue",
			"mark", name, "sentence", f.Index, "estimate", f.Seconds)
		if err := s.SendClear(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("twilio: clear after ack timeout: %w", err)
		}
		return ErrAckTimeout
	}
}

// EstimateFragment wraps encoded audio with its playback estimate.
func EstimateFragment(index int, mulaw []byte) Fragment {
	return Fragment{Index: index, Mulaw: mulaw, Seconds: internal_audio.PlaybackSeconds(len(mulaw))}
}
