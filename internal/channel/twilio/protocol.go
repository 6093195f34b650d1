// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package channel_twilio

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rapidaai/carecall/pkg/commons"
)

// Media-stream event names on the carrier WebSocket.
const (
	EventStart = "start"
	EventMedia = "media"
	EventMark  = "mark"
	EventClear = "clear"
	EventStop  = "stop"
)

// Event is one JSON frame on the media WebSocket. SequenceNumber is carried
// as a decimal string by the carrier.
type Event struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload opens the session.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64 µ-law frame.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload is a delivery acknowledgement checkpoint.
type MarkPayload struct {
	Name string `json:"name"`
}

// seq parses the carrier sequence number. ok is false when the frame carries
// none.
func (e *Event) seq() (int, bool) {
	if e.SequenceNumber == "" {
		return 0, false
	}
	n, err := strconv.Atoi(e.SequenceNumber)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AdapterHooks are the immediate (order-independent) routes out of the
// adapter. Start and stop are lifecycle events and bypass sequencing; marks
// are acknowledgements and must reach the sender's pending-mark table as
// fast as possible.
type AdapterHooks struct {
	OnStart func(*StartPayload)
	OnStop  func()
	OnMark  func(name string)
}

// Adapter consumes raw frames from the media WebSocket and releases media
// events to the consumer channel in sequence-number order.
//
// Before the first start: media is buffered (sequenced and unsequenced
// separately) and replayed the instant start is processed. After start: a
// frame whose sequence equals the next expected number is released
// immediately; a gap stalls release (never drops) until the missing number
// arrives. Mark sequence numbers still advance the expected counter so an
// interleaved mark cannot stall the media queue.
type Adapter struct {
	logger commons.Logger
	hooks  AdapterHooks

	out chan *MediaPayload

	started bool
	nextSeq int
	dropped int

	// pending holds sequenced post-start events awaiting their turn.
	pending map[int]*Event

	// pre-start buffers.
	preStartSeq   map[int]*Event
	preStartNoSeq []*Event
}

const (
	adapterQueueSize = 1024

	// maxMediaDrops is the overflow budget after the queue fills: once this
	// many frames have been shed the consumer is considered wedged and the
	// session is ended (~5 s of audio at 20 ms framing).
	maxMediaDrops = 250
)

// NewAdapter creates a protocol adapter. Media events are delivered on
// Media(); lifecycle and mark events fire the hooks inline from Ingest.
func NewAdapter(logger commons.Logger, hooks AdapterHooks) *Adapter {
	return &Adapter{
		logger:      logger,
		hooks:       hooks,
		out:         make(chan *MediaPayload, adapterQueueSize),
		pending:     make(map[int]*Event),
		preStartSeq: make(map[int]*Event),
	}
}

// Media is the ordered stream of inbound audio frames. Closed by Close.
func (a *Adapter) Media() <-chan *MediaPayload {
	return a.out
}

// Ingest parses one raw frame and routes it. Unrecognized event types are
// ignored. Returns an error on a framing violation (undecodable JSON) or
// when a wedged consumer has exhausted the media overflow budget; the
// session controller treats both as fatal.
func (a *Adapter) Ingest(raw []byte) error {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("twilio: undecodable frame: %w", err)
	}

	switch ev.Event {
	case EventStart:
		a.handleStart(&ev)
	case EventStop:
		if a.hooks.OnStop != nil {
			a.hooks.OnStop()
		}
	case EventMark:
		a.handleMark(&ev)
	case EventMedia:
		a.handleMedia(&ev)
	default:
		a.logger.Debugw("ignoring unrecognized media-stream event", "event", ev.Event)
		// Its sequence number still has to advance the queue, or the gap it
		// leaves would stall media forever.
		if a.started {
			if n, ok := ev.seq(); ok {
				a.enqueue(n, &ev)
			}
		}
	}

	if a.dropped >= maxMediaDrops {
		return fmt.Errorf("twilio: media consumer wedged, %d frames dropped", a.dropped)
	}
	return nil
}

// handleStart processes start immediately regardless of sequence, then
// replays any pre-start media in sequence order.
func (a *Adapter) handleStart(ev *Event) {
	if a.started {
		a.logger.Warnw("duplicate start event ignored", "streamSid", ev.StreamSid)
		return
	}
	a.started = true
	if n, ok := ev.seq(); ok {
		a.nextSeq = n + 1
	}
	if a.hooks.OnStart != nil && ev.Start != nil {
		a.hooks.OnStart(ev.Start)
	}

	// Replay buffered media: sequenced frames through the ordering queue,
	// unsequenced frames straight out in arrival order.
	keys := make([]int, 0, len(a.preStartSeq))
	for k := range a.preStartSeq {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		a.enqueue(k, a.preStartSeq[k])
	}
	a.preStartSeq = nil
	for _, buffered := range a.preStartNoSeq {
		a.emit(buffered)
	}
	a.preStartNoSeq = nil
}

// handleMark routes the acknowledgement immediately and lets its sequence
// number advance the ordering queue so media behind it is not stalled.
func (a *Adapter) handleMark(ev *Event) {
	if a.hooks.OnMark != nil && ev.Mark != nil {
		a.hooks.OnMark(ev.Mark.Name)
	}
	if !a.started {
		return
	}
	if n, ok := ev.seq(); ok {
		a.enqueue(n, ev)
	}
}

func (a *Adapter) handleMedia(ev *Event) {
	if ev.Media == nil {
		return
	}

	if !a.started {
		if n, ok := ev.seq(); ok {
			a.preStartSeq[n] = ev
		} else {
			a.preStartNoSeq = append(a.preStartNoSeq, ev)
		}
		return
	}

	n, ok := ev.seq()
	if !ok {
		// No sequence to order by; deliver as-is.
		a.emit(ev)
		return
	}
	a.enqueue(n, ev)
}

// enqueue inserts a sequenced event and drains everything now releasable.
func (a *Adapter) enqueue(n int, ev *Event) {
	if n < a.nextSeq {
		a.logger.Warnw("dropping duplicate sequence number", "seq", n, "expected", a.nextSeq)
		return
	}
	a.pending[n] = ev
	for {
		next, ok := a.pending[a.nextSeq]
		if !ok {
			return
		}
		delete(a.pending, a.nextSeq)
		a.nextSeq++
		a.emit(next)
	}
}

// emit releases one event downstream. Marks were already routed in
// handleMark; only media reaches the consumer channel.
func (a *Adapter) emit(ev *Event) {
	if ev.Event != EventMedia || ev.Media == nil {
		return
	}
	select {
	case a.out <- ev.Media:
	default:
		// The consumer loop is not draining; shed the frame rather than
		// deadlock the read loop. Ingest ends the session once the
		// overflow budget runs out.
		a.dropped++
		a.logger.Warnw("media queue full, dropping frame",
			"seq", ev.SequenceNumber, "dropped", a.dropped)
	}
}

// Close ends the media stream; consumers see the channel close.
func (a *Adapter) Close() {
	close(a.out)
}
