// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_callstore persists the durable record of each call: one
// call_logs row and its call_transcripts.
package internal_callstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Call log status constants.
const (
	StatusInitiated = "initiated" // Row created, call not yet answered
	StatusAnswered  = "answered"  // Carrier reported in-progress
	StatusCompleted = "completed" // Call ended normally
	StatusFailed    = "failed"    // Busy, no-answer, canceled or failed
)

// Transcript speakers.
const (
	SpeakerAgent = "agent"
	SpeakerUser  = "user"
)

// CallLog is the per-call row, keyed by the carrier call id.
type CallLog struct {
	Id          uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	CallID      string     `json:"callId" gorm:"column:call_id;type:varchar(64);not null;uniqueIndex"`
	ElderlyID   string     `json:"elderlyId" gorm:"column:elderly_id;type:varchar(64);not null;default:''"`
	Status      string     `json:"status" gorm:"column:status;type:varchar(20);not null;default:initiated"`
	StartedAt   *time.Time `json:"startedAt" gorm:"column:started_at;type:timestamp"`
	EndedAt     *time.Time `json:"endedAt" gorm:"column:ended_at;type:timestamp"`
	DurationSec int        `json:"durationSec" gorm:"column:duration_sec;type:bigint;not null;default:0"`
	AudioURL    string     `json:"audioUrl" gorm:"column:audio_url;type:text;not null;default:''"`
	Summary     string     `json:"summary" gorm:"column:summary;type:text;not null;default:''"`
	CreatedDate time.Time  `json:"createdDate" gorm:"type:timestamp;not null;<-:create"`
}

func (CallLog) TableName() string {
	return "call_logs"
}

func (cl *CallLog) BeforeCreate(tx *gorm.DB) (err error) {
	if cl.CreatedDate.IsZero() {
		cl.CreatedDate = time.Now()
	}
	return nil
}

// CallTranscript is one utterance of the saved conversation.
type CallTranscript struct {
	Id           uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	TranscriptID string    `json:"transcriptId" gorm:"column:transcript_id;type:varchar(36);not null;uniqueIndex"`
	CallID       string    `json:"callId" gorm:"column:call_id;type:varchar(64);not null;index"`
	Speaker      string    `json:"speaker" gorm:"column:speaker;type:varchar(10);not null"`
	Text         string    `json:"text" gorm:"column:text;type:text;not null"`
	OffsetSec    float64   `json:"offsetSec" gorm:"column:offset_sec;not null;default:0"`
	CreatedDate  time.Time `json:"createdDate" gorm:"type:timestamp;not null;<-:create"`
}

func (CallTranscript) TableName() string {
	return "call_transcripts"
}

func (ct *CallTranscript) BeforeCreate(tx *gorm.DB) (err error) {
	if ct.TranscriptID == "" {
		ct.TranscriptID = uuid.NewString()
	}
	if ct.CreatedDate.IsZero() {
		ct.CreatedDate = time.Now()
	}
	return nil
}
