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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

// fakeConn records every outbound frame.
type fakeConn struct {
	mu     sync.Mutex
	frames []Event
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeConn) byType(event string) []Event {
	var out []Event
	for _, ev := range f.events() {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSender(t *testing.T) (*Sender, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := NewSender(newTestLogger(t), conn, "MZ1")
	s.sleep = func(time.Duration) {} // no pacing in tests
	return s, conn
}

// ============================================================================
// Audio chunking
// ============================================================================

func TestSendAudio_SingleChunk(t *testing.T) {
	s, conn := newTestSender(t)

	audio := make([]byte, 160)
	require.NoError(t, s.SendAudio(context.Background(), audio))

	media := conn.byType(EventMedia)
	require.Len(t, media, 1)
	assert.Equal(t, "MZ1", media[0].StreamSid)

	decoded, err := base64.StdEncoding.DecodeString(media[0].Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, audio, decoded)
}

func TestSendAudio_ChunksLargeFragments(t *testing.T) {
	s, conn := newTestSender(t)

	// 16000 µ-law bytes encode to ~21336 base64 chars → 3 chunks.
	audio := make([]byte, 16000)
	for i := range audio {
		audio[i] = byte(i)
	}
	require.NoError(t, s.SendAudio(context.Background(), audio))

	media := conn.byType(EventMedia)
	require.Len(t, media, 3)

	var reassembled []byte
	for _, m := range media {
		assert.LessOrEqual(t, len(m.Media.Payload), maxChunkBase64)
		part, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		require.NoError(t, err, "every chunk must decode standalone")
		reassembled = append(reassembled, part...)
	}
	assert.Equal(t, audio, reassembled, "chunks concatenate back to the fragment")
}

// ============================================================================
// Marks
// ============================================================================

func TestDeliverWithAck_Acknowledged(t *testing.T) {
	s, conn := newTestSender(t)

	done := make(chan error, 1)
	go func() {
		done <- s.DeliverWithAck(context.Background(), EstimateFragment(0, make([]byte, 800)))
	}()

	// Wait for the mark frame, then echo it back like the carrier would.
	var markName string
	require.Eventually(t, func() bool {
		marks := conn.byType(EventMark)
		if len(marks) == 0 {
			return false
		}
		markName = marks[0].Mark.Name
		return true
	}, time.Second, 5*time.Millisecond)

	s.Resolve(markName)
	require.NoError(t, <-done)
	assert.Zero(t, s.PendingMarks(), "acknowledged mark must leave the table")
	assert.Empty(t, conn.byType(EventClear))
}

func TestDeliverWithAck_TimeoutClears(t *testing.T) {
	s, conn := newTestSender(t)

	// Zero-length estimate → 500 ms wait; no ack ever arrives.
	err := s.DeliverWithAck(context.Background(), Fragment{Index: 0, Mulaw: make([]byte, 8), Seconds: 0})
	require.ErrorIs(t, err, ErrAckTimeout)

	assert.Len(t, conn.byType(EventClear), 1, "timeout must clear the playback queue exactly once")
	assert.Zero(t, s.PendingMarks(), "abandoned mark must leave the table")
}

func TestDeliverWithAck_EmptyFragmentIsNoop(t *testing.T) {
	s, conn := newTestSender(t)
	require.NoError(t, s.DeliverWithAck(context.Background(), Fragment{}))
	assert.Empty(t, conn.events())
}

func TestResolve_UnknownMarkIgnored(t *testing.T) {
	s, _ := newTestSender(t)
	s.Resolve("never-registered") // must not panic
	assert.Zero(t, s.PendingMarks())
}

func TestAckTimeoutBounds(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, ackTimeout(0))
	assert.Equal(t, 1500*time.Millisecond, ackTimeout(1.0))
	assert.Equal(t, ackCeiling, ackTimeout(60), "long fragments cap at the ceiling")
}

// ============================================================================
// Clear / mark framing
// ============================================================================

func TestSendClearFrame(t *testing.T) {
	s, conn := newTestSender(t)
	require.NoError(t, s.SendClear(context.Background()))

	clears := conn.byType(EventClear)
	require.Len(t, clears, 1)
	assert.Equal(t, "MZ1", clears[0].StreamSid)
}

func TestSendMarkFrame(t *testing.T) {
	s, conn := newTestSender(t)
	require.NoError(t, s.SendMark(context.Background(), "first-sentence"))

	marks := conn.byType(EventMark)
	require.Len(t, marks, 1)
	assert.Equal(t, "first-sentence", marks[0].Mark.Name)
}
