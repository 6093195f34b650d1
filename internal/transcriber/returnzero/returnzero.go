// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_transcriber_returnzero

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/carecall/internal/audio"
	internal_transcriber "github.com/rapidaai/carecall/internal/transcriber"
	"github.com/rapidaai/carecall/pkg/commons"
)

const (
	// eosMessage terminates the recognizer stream.
	eosMessage = "EOS"

	// frameDequeueTimeout bounds each sender wait so shutdown is graceful.
	frameDequeueTimeout = 1 * time.Second

	// drainGrace is how long Close waits after the EOS for the remote to
	// flush trailing finals and close the stream before the connection is
	// torn down under the receiver.
	drainGrace = 500 * time.Millisecond

	frameQueueSize  = 256
	resultQueueSize = 32
)

// Credentials for the ReturnZero streaming API.
type Credentials struct {
	Host         string
	ClientID     string
	ClientSecret string
}

type returnZeroOption struct {
	creds     Credentials
	authURL   string
	streamURL string
}

// Option overrides endpoints, used by tests against local servers.
type Option func(*returnZeroOption)

// WithAuthURL overrides the authentication endpoint.
func WithAuthURL(url string) Option {
	return func(o *returnZeroOption) { o.authURL = url }
}

// WithStreamURL overrides the streaming endpoint (query string included).
func WithStreamURL(url string) Option {
	return func(o *returnZeroOption) { o.streamURL = url }
}

func (o *returnZeroOption) getAuthURL() string {
	if o.authURL != "" {
		return o.authURL
	}
	return fmt.Sprintf("https://%s/v1/authenticate", o.creds.Host)
}

func (o *returnZeroOption) getStreamURL() string {
	if o.streamURL != "" {
		return o.streamURL
	}
	return fmt.Sprintf(
		"wss://%s/v1/transcribe:streaming?sample_rate=8000&encoding=LINEAR16&use_itn=true&use_disfluency_filter=true",
		o.creds.Host)
}

// streamResponse is the recognizer's wire shape. Event carries the remote
// session-cap signal; recognition responses leave it empty.
type streamResponse struct {
	Event        string `json:"event,omitempty"`
	Alternatives []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
	Final    bool  `json:"final"`
	StartAt  int64 `json:"start_at"`
	Duration int64 `json:"duration"`
}

type returnZeroTranscriber struct {
	logger commons.Logger
	opts   returnZeroOption

	rest *resty.Client
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// senderDone lets Close sequence the EOS before the connection goes
	// away; closeOnce keeps the forced teardown idempotent.
	senderDone chan struct{}
	closeOnce  sync.Once

	frames  chan []byte
	results chan internal_transcriber.Hypothesis

	botSpeaking  atomic.Bool
	silenceDelay atomic.Int32
	active       atomic.Bool

	// speechStart is touched only by the receiver goroutine.
	speechStart time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewTranscriber creates a per-session ReturnZero streaming driver.
func NewTranscriber(logger commons.Logger, creds Credentials, opts ...Option) internal_transcriber.Transcriber {
	o := returnZeroOption{creds: creds}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &returnZeroTranscriber{
		logger:     logger,
		opts:       o,
		rest:       resty.New().SetTimeout(10 * time.Second),
		ctx:        ctx,
		cancel:     cancel,
		senderDone: make(chan struct{}),
		frames:     make(chan []byte, frameQueueSize),
		results:    make(chan internal_transcriber.Hypothesis, resultQueueSize),
		now:        time.Now,
	}
}

// authenticate exchanges the client credential pair for a short-lived
// bearer token.
func (rt *returnZeroTranscriber) authenticate(ctx context.Context) (string, error) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	resp, err := rt.rest.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     rt.opts.creds.ClientID,
			"client_secret": rt.opts.creds.ClientSecret,
		}).
		SetResult(&body).
		Post(rt.opts.getAuthURL())
	if err != nil {
		return "", fmt.Errorf("returnzero: authenticate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("returnzero: authenticate: status %d", resp.StatusCode())
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("returnzero: authenticate: empty access token")
	}
	return body.AccessToken, nil
}

// Start implements internal_transcriber.Transcriber.
func (rt *returnZeroTranscriber) Start(ctx context.Context) error {
	token, err := rt.authenticate(ctx)
	if err != nil {
		return err
	}

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rt.opts.getStreamURL(), header)
	if err != nil {
		return fmt.Errorf("returnzero: dial stream: %w", err)
	}
	rt.conn = conn

	rt.wg.Add(2)
	go rt.runSender()
	go rt.runReceiver()
	return nil
}

// Feed implements internal_transcriber.Transcriber. Converts carrier µ-law
// to 16-bit linear PCM before enqueueing.
func (rt *returnZeroTranscriber) Feed(mulaw []byte) {
	pcm := internal_audio.DecodeMulaw(mulaw)
	select {
	case rt.frames <- pcm:
	default:
		rt.logger.Warnw("recognizer frame queue full, dropping frame", "bytes", len(pcm))
	}
}

// Results implements internal_transcriber.Transcriber.
func (rt *returnZeroTranscriber) Results() <-chan internal_transcriber.Hypothesis {
	return rt.results
}

// SetBotSpeaking implements internal_transcriber.Transcriber.
func (rt *returnZeroTranscriber) SetBotSpeaking(speaking bool) {
	rt.botSpeaking.Store(speaking)
}

// SetSilenceDelay implements internal_transcriber.Transcriber.
func (rt *returnZeroTranscriber) SetSilenceDelay(chunks int) {
	rt.silenceDelay.Store(int32(chunks))
}

// Active implements internal_transcriber.Transcriber.
func (rt *returnZeroTranscriber) Active() bool {
	return rt.active.Load()
}

// runSender drains the frame queue onto the stream as binary messages. Each
// dequeue waits at most frameDequeueTimeout so cancellation is observed
// promptly; on shutdown the literal EOS terminator is sent.
func (rt *returnZeroTranscriber) runSender() {
	defer rt.wg.Done()
	defer close(rt.senderDone)

	timer := time.NewTimer(frameDequeueTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(frameDequeueTimeout)

		select {
		case <-rt.ctx.Done():
			if err := rt.conn.WriteMessage(websocket.TextMessage, []byte(eosMessage)); err != nil {
				rt.logger.Debugw("failed to send recognizer EOS", "error", err.Error())
			}
			return
		case pcm := <-rt.frames:
			if err := rt.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				rt.logger.Errorf("returnzero: frame write failed: %v", err)
				rt.cancel()
				return
			}
			rt.active.Store(true)
		case <-timer.C:
			// Idle; loop to re-check cancellation.
		}
	}
}

// runReceiver parses recognition responses and emits hypotheses. The read
// blocks until the stream ends; Close unblocks it by closing the connection.
// Any read error ends only this driver: the results channel closes and the
// session controller takes it from there.
func (rt *returnZeroTranscriber) runReceiver() {
	defer rt.wg.Done()
	defer close(rt.results)

	for {
		_, payload, err := rt.conn.ReadMessage()
		if err != nil {
			if rt.ctx.Err() == nil {
				rt.logger.Warnw("recognizer stream closed", "error", err.Error())
			}
			return
		}
		rt.handleMessage(payload)
	}
}

func (rt *returnZeroTranscriber) handleMessage(payload []byte) {
	var resp streamResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		rt.logger.Warnw("undecodable recognizer response", "error", err.Error())
		return
	}

	if resp.Event == "max_time_warning" {
		rt.emit(internal_transcriber.Hypothesis{MaxTimeWarning: true})
		return
	}
	if len(resp.Alternatives) == 0 {
		return
	}

	// Gate mirror: everything heard while the agent speaks is echo.
	if rt.botSpeaking.Load() {
		return
	}
	if delay := rt.silenceDelay.Load(); delay > 0 {
		rt.silenceDelay.Store(delay - 1)
		return
	}

	best := resp.Alternatives[0]
	if best.Text == "" {
		return
	}

	hyp := internal_transcriber.Hypothesis{
		Text:       best.Text,
		IsFinal:    resp.Final,
		Confidence: best.Confidence,
		StartAt:    time.Duration(resp.StartAt) * time.Millisecond,
		Duration:   time.Duration(resp.Duration) * time.Millisecond,
	}

	if !resp.Final {
		if rt.speechStart.IsZero() {
			rt.speechStart = rt.now()
		}
		rt.emit(hyp)
		return
	}

	// Final: attach the utterance's speech start and reset for the next one.
	hyp.SpeechStartedAt = rt.speechStart
	rt.speechStart = time.Time{}
	rt.emit(hyp)
}

func (rt *returnZeroTranscriber) emit(hyp internal_transcriber.Hypothesis) {
	select {
	case rt.results <- hyp:
	default:
		rt.logger.Warnw("hypothesis queue full, dropping result", "final", hyp.IsFinal)
	}
}

func (rt *returnZeroTranscriber) closeConn() {
	rt.closeOnce.Do(func() {
		if rt.conn != nil {
			_ = rt.conn.Close()
		}
	})
}

// Close implements internal_transcriber.Transcriber. The sender flushes the
// EOS terminator first; the remote then normally flushes trailing finals
// and closes the stream, which ends the receiver's blocking read. If that
// does not happen within drainGrace the connection is closed from here.
func (rt *returnZeroTranscriber) Close(ctx context.Context) error {
	rt.cancel()

	select {
	case <-rt.senderDone:
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	rt.closeConn()

	select {
	case <-done:
	case <-ctx.Done():
		rt.logger.Warnw("recognizer tasks did not stop within grace period")
	}
	return nil
}
