// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_metrics collects per-turn latency points for one call and
// persists them as a JSON file rewritten after every turn.
package internal_metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rapidaai/carecall/pkg/commons"
	"github.com/rapidaai/carecall/pkg/utils"
)

// Point is one of the timestamped events recorded on a turn.
type Point string

const (
	PointUserSpeechStart    Point = "user_speech_start"
	PointFirstPartial       Point = "first_partial"
	PointFinalRecognition   Point = "final_recognition"
	PointLLMFirstToken      Point = "llm_first_token"
	PointLLMCompletion      Point = "llm_completion"
	PointTTSStart           Point = "tts_start"
	PointTTSFirstCompletion Point = "tts_first_completion"
	PointTTSLastCompletion  Point = "tts_last_completion"
	PointTurnEnd            Point = "turn_end"
)

// latencyDef derives one named latency series from two points.
type latencyDef struct {
	name string
	from Point
	to   Point
}

var latencyDefs = []latencyDef{
	{"partial", PointUserSpeechStart, PointFirstPartial},
	{"final", PointUserSpeechStart, PointFinalRecognition},
	{"llm_first_token", PointFinalRecognition, PointLLMFirstToken},
	{"llm_completion", PointFinalRecognition, PointLLMCompletion},
	{"tts", PointTTSStart, PointTTSLastCompletion},
	{"first_token_to_first_tts", PointLLMFirstToken, PointTTSFirstCompletion},
	{"stt_to_first_audio", PointFinalRecognition, PointTTSFirstCompletion},
	{"end_to_end", PointUserSpeechStart, PointTurnEnd},
}

// SeriesStats is the rolling rollup for one latency series, milliseconds.
type SeriesStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// TurnRecord is one completed (or in-flight) turn in the metrics file.
type TurnRecord struct {
	Number        int                    `json:"turn"`
	UserText      string                 `json:"user_text"`
	AssistantText string                 `json:"assistant_text,omitempty"`
	Times         map[string]string      `json:"times"`
	LatenciesMs   map[string]float64     `json:"latencies_ms,omitempty"`
	RollingStats  map[string]SeriesStats `json:"rolling_stats,omitempty"`

	points map[Point]time.Time
}

type summaryRecord struct {
	CallDurationSec float64                `json:"call_duration_sec"`
	TurnCount       int                    `json:"turn_count"`
	FinalStats      map[string]SeriesStats `json:"final_stats"`
	FinalizedAt     time.Time              `json:"finalized_at"`
}

type fileDoc struct {
	CallID       string         `json:"call_id"`
	SessionStart time.Time      `json:"session_start"`
	Turns        []*TurnRecord  `json:"turns"`
	Summary      *summaryRecord `json:"summary,omitempty"`
}

// Collector owns the metrics state of one call. A single writer (the turn
// orchestrator) mutates it; the finalize path reads it under the call lock.
type Collector struct {
	mu sync.Mutex

	logger       commons.Logger
	callID       string
	path         string
	sessionStart time.Time
	now          func() time.Time

	turns   []*TurnRecord
	current *TurnRecord
	series  map[string][]float64
	summary *summaryRecord
}

// Option configures the collector.
type Option func(*Collector)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates the collector and fixes the output filename from the
// session start time and the first 8 characters of the call id.
func NewCollector(logger commons.Logger, dir, callID string, opts ...Option) *Collector {
	c := &Collector{
		logger: logger,
		callID: callID,
		now:    time.Now,
		series: make(map[string][]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sessionStart = c.now()

	c.path = filepath.Join(dir,
		fmt.Sprintf("call_metrics_%s_%s.json",
			c.sessionStart.Format("20060102_150405"), utils.ShortID(callID, 8)))
	return c
}

// Path returns the metrics file location.
func (c *Collector) Path() string { return c.path }

// StartTurn allocates the next turn record.
func (c *Collector) StartTurn(userText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &TurnRecord{
		Number:   len(c.turns) + 1,
		UserText: userText,
		Times:    make(map[string]string),
		points:   make(map[Point]time.Time),
	}
	c.turns = append(c.turns, c.current)
}

// Record stamps a point on the current turn with the collector clock.
func (c *Collector) Record(p Point) {
	c.RecordAt(p, c.now())
}

// RecordAt stamps a point with a caller-supplied time. The first stamp of a
// point wins; outside a turn it is a no-op.
func (c *Collector) RecordAt(p Point, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || at.IsZero() {
		return
	}
	if _, dup := c.current.points[p]; dup {
		return
	}
	c.current.points[p] = at
	c.current.Times[string(p)] = c.formatRelative(at)
}

// formatRelative renders HH:MM:SS.mmm since session start. Caller holds mu.
func (c *Collector) formatRelative(at time.Time) string {
	elapsed := at.Sub(c.sessionStart)
	if elapsed < 0 {
		elapsed = 0
	}
	h := int(elapsed / time.Hour)
	m := int(elapsed/time.Minute) % 60
	s := int(elapsed/time.Second) % 60
	ms := int(elapsed/time.Millisecond) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// EndTurn stamps turn_end, derives the turn's latencies, folds them into the
// rolling series, and rewrites the metrics file.
func (c *Collector) EndTurn(assistantText string) error {
	c.RecordAt(PointTurnEnd, c.now())

	c.mu.Lock()
	turn := c.current
	if turn == nil {
		c.mu.Unlock()
		return nil
	}
	turn.AssistantText = assistantText
	turn.LatenciesMs = make(map[string]float64)
	for _, def := range latencyDefs {
		from, okFrom := turn.points[def.from]
		to, okTo := turn.points[def.to]
		if !okFrom || !okTo {
			continue
		}
		ms := float64(to.Sub(from)) / float64(time.Millisecond)
		if ms < 0 {
			c.logger.Warnw("negative latency clamped to zero",
				"series", def.name, "turn", turn.Number, "raw_ms", ms)
			ms = 0
		}
		turn.LatenciesMs[def.name] = ms
		c.series[def.name] = append(c.series[def.name], ms)
	}
	turn.RollingStats = c.rollup()
	c.current = nil
	c.mu.Unlock()

	return c.write()
}

// Finalize computes the call summary and rewrites the file. The summary is
// kept on the collector so a turn rewrite racing with teardown cannot
// produce a document without it.
func (c *Collector) Finalize() error {
	c.mu.Lock()
	now := c.now()
	c.summary = &summaryRecord{
		CallDurationSec: now.Sub(c.sessionStart).Seconds(),
		TurnCount:       len(c.turns),
		FinalStats:      c.rollup(),
		FinalizedAt:     now,
	}
	doc := c.docLocked()
	c.mu.Unlock()

	return c.writeDoc(doc)
}

// rollup computes stats over all series. Caller holds mu.
func (c *Collector) rollup() map[string]SeriesStats {
	out := make(map[string]SeriesStats, len(c.series))
	for name, values := range c.series {
		out[name] = computeStats(values)
	}
	return out
}

func computeStats(values []float64) SeriesStats {
	stats := SeriesStats{Count: len(values)}
	if len(values) == 0 {
		return stats
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats.Avg = sum / float64(len(sorted))
	stats.Min = sorted[0]
	stats.Max = sorted[len(sorted)-1]
	stats.P50 = nearestRank(sorted, 50)
	stats.P95 = nearestRank(sorted, 95)
	stats.P99 = nearestRank(sorted, 99)
	return stats
}

// nearestRank picks the ceil(p/100*n)-th smallest value.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func (c *Collector) docLocked() *fileDoc {
	turns := append([]*TurnRecord(nil), c.turns...)
	return &fileDoc{
		CallID:       c.callID,
		SessionStart: c.sessionStart,
		Turns:        turns,
		Summary:      c.summary,
	}
}

func (c *Collector) write() error {
	c.mu.Lock()
	doc := c.docLocked()
	c.mu.Unlock()
	return c.writeDoc(doc)
}

// writeDoc rewrites the file via temp-and-rename, falling back to a direct
// overwrite when the temp file cannot be created.
func (c *Collector) writeDoc(doc *fileDoc) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: encode: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		if werr := os.WriteFile(c.path, payload, 0o644); werr != nil {
			return fmt.Errorf("metrics: write %s: %w", c.path, werr)
		}
		return nil
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("metrics: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metrics: close temp: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("metrics: rename: %w", err)
	}
	return nil
}
