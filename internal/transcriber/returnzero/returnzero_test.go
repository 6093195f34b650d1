// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transcriber_returnzero

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_transcriber "github.com/rapidaai/carecall/internal/transcriber"
	"github.com/rapidaai/carecall/pkg/commons"
)

// ============================================================================
// Test harness: a local auth endpoint and recognizer stream
// ============================================================================

type fakeRecognizer struct {
	t *testing.T

	authServer   *httptest.Server
	streamServer *httptest.Server

	mu         sync.Mutex
	authForm   map[string]string
	bearer     string
	received   [][]byte // binary frames
	textFrames []string // EOS etc.

	conn     *websocket.Conn
	connOnce sync.Once
	ready    chan struct{}
}

func newFakeRecognizer(t *testing.T) *fakeRecognizer {
	fr := &fakeRecognizer{t: t, ready: make(chan struct{})}

	fr.authServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fr.mu.Lock()
		fr.authForm = map[string]string{
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
		}
		fr.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token"}`))
	}))

	upgrader := websocket.Upgrader{}
	fr.streamServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fr.mu.Lock()
		fr.bearer = r.Header.Get("Authorization")
		fr.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fr.connOnce.Do(func() {
			fr.conn = conn
			close(fr.ready)
		})

		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fr.mu.Lock()
			if mt == websocket.BinaryMessage {
				fr.received = append(fr.received, payload)
			} else {
				fr.textFrames = append(fr.textFrames, string(payload))
			}
			fr.mu.Unlock()
		}
	}))

	t.Cleanup(func() {
		fr.authServer.Close()
		fr.streamServer.Close()
	})
	return fr
}

func (fr *fakeRecognizer) streamURL() string {
	return "ws" + strings.TrimPrefix(fr.streamServer.URL, "http")
}

func (fr *fakeRecognizer) send(t *testing.T, payload string) {
	t.Helper()
	select {
	case <-fr.ready:
	case <-time.After(time.Second):
		t.Fatal("stream connection never established")
	}
	require.NoError(t, fr.conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func newStartedTranscriber(t *testing.T, fr *fakeRecognizer) internal_transcriber.Transcriber {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLogLevel("error"))
	require.NoError(t, err)

	tr := NewTranscriber(logger,
		Credentials{Host: "unused", ClientID: "cid", ClientSecret: "secret"},
		WithAuthURL(fr.authServer.URL),
		WithStreamURL(fr.streamURL()),
	)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})
	return tr
}

func waitForHypothesis(t *testing.T, tr internal_transcriber.Transcriber) internal_transcriber.Hypothesis {
	t.Helper()
	select {
	case hyp, ok := <-tr.Results():
		require.True(t, ok, "results closed unexpectedly")
		return hyp
	case <-time.After(2 * time.Second):
		t.Fatal("no hypothesis arrived")
		return internal_transcriber.Hypothesis{}
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestStart_AuthenticatesAndDials(t *testing.T) {
	fr := newFakeRecognizer(t)
	newStartedTranscriber(t, fr)

	select {
	case <-fr.ready:
	case <-time.After(time.Second):
		t.Fatal("driver never dialed the stream")
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Equal(t, "cid", fr.authForm["client_id"])
	assert.Equal(t, "secret", fr.authForm["client_secret"])
	assert.Equal(t, "Bearer test-token", fr.bearer)
}

func TestFeed_ConvertsMulawToPCM(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	mulaw := make([]byte, 160) // one 20 ms carrier frame
	tr.Feed(mulaw)

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Len(t, fr.received[0], 320, "µ-law bytes expand to 2-byte PCM samples")
	assert.True(t, tr.Active())
}

func TestReceiver_PartialThenFinal(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	fr.send(t, `{"alternatives":[{"text":"안","confidence":0.4}],"final":false,"start_at":0,"duration":120}`)
	partial := waitForHypothesis(t, tr)
	assert.Equal(t, "안", partial.Text)
	assert.False(t, partial.IsFinal)
	assert.True(t, partial.SpeechStartedAt.IsZero(), "partials carry no speech start")

	fr.send(t, `{"alternatives":[{"text":"안녕하세요","confidence":0.93}],"final":true,"start_at":0,"duration":800}`)
	final := waitForHypothesis(t, tr)
	assert.Equal(t, "안녕하세요", final.Text)
	assert.True(t, final.IsFinal)
	assert.InDelta(t, 0.93, final.Confidence, 0.001)
	assert.False(t, final.SpeechStartedAt.IsZero(),
		"the final carries the wall-clock time of the utterance's first partial")
	assert.Equal(t, 800*time.Millisecond, final.Duration)
}

func TestReceiver_SurvivesIdleStream(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	// Every call opens with a silent stretch before the user first speaks;
	// a hypothesis arriving after it must still come through.
	time.Sleep(1200 * time.Millisecond)
	fr.send(t, `{"alternatives":[{"text":"여보세요","confidence":0.9}],"final":true}`)

	hyp := waitForHypothesis(t, tr)
	assert.Equal(t, "여보세요", hyp.Text)
	assert.True(t, hyp.IsFinal)
}

func TestReceiver_DropsWhileBotSpeaking(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	tr.SetBotSpeaking(true)
	fr.send(t, `{"alternatives":[{"text":"에코","confidence":0.9}],"final":true}`)

	// Give the receiver time to consume the echo before reopening.
	time.Sleep(200 * time.Millisecond)
	tr.SetBotSpeaking(false)
	fr.send(t, `{"alternatives":[{"text":"진짜 발화","confidence":0.9}],"final":true}`)

	hyp := waitForHypothesis(t, tr)
	assert.Equal(t, "진짜 발화", hyp.Text, "echo heard during agent speech is discarded")
}

func TestReceiver_SilenceDelayCountdown(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	tr.SetSilenceDelay(2)
	fr.send(t, `{"alternatives":[{"text":"잔향1","confidence":0.9}],"final":false}`)
	fr.send(t, `{"alternatives":[{"text":"잔향2","confidence":0.9}],"final":false}`)
	fr.send(t, `{"alternatives":[{"text":"들려요","confidence":0.9}],"final":false}`)

	hyp := waitForHypothesis(t, tr)
	assert.Equal(t, "들려요", hyp.Text, "countdown absorbs post-gate echo results")
}

func TestReceiver_MaxTimeWarning(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	fr.send(t, `{"event":"max_time_warning"}`)
	hyp := waitForHypothesis(t, tr)
	assert.True(t, hyp.MaxTimeWarning)
	assert.Empty(t, hyp.Text)
}

func TestClose_SendsEOSAndClosesResults(t *testing.T) {
	fr := newFakeRecognizer(t)
	tr := newStartedTranscriber(t, fr)

	// Make sure the stream is actually up before closing.
	select {
	case <-fr.ready:
	case <-time.After(time.Second):
		t.Fatal("stream never connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx))

	require.Eventually(t, func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		for _, txt := range fr.textFrames {
			if txt == "EOS" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "graceful shutdown sends the EOS terminator")

	_, open := <-tr.Results()
	assert.False(t, open, "results closes when the stream ends")
}
