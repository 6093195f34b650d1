// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_callstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/rapidaai/carecall/pkg/commons"
	"github.com/rapidaai/carecall/pkg/connectors"
)

// TranscriptEntry is one utterance handed over by the session at finalize.
type TranscriptEntry struct {
	Speaker   string
	Text      string
	OffsetSec float64
}

// Store is the durable call record collaborator. All writes are idempotent:
// replaying a status transition or a duplicate insert yields the same row.
type Store interface {
	// CreateInitiated inserts the call_logs row; a duplicate insert for the
	// same call id is swallowed.
	CreateInitiated(ctx context.Context, callID, elderlyID string) error

	// MarkAnswered records the in-progress transition and the start time.
	MarkAnswered(ctx context.Context, callID string, at time.Time) error

	// Complete records end time and duration; replays are no-ops.
	Complete(ctx context.Context, callID string, at time.Time) error

	// MarkFailed records a terminal non-completed carrier status.
	MarkFailed(ctx context.Context, callID string) error

	// SaveTranscripts persists the conversation rows for the call.
	SaveTranscripts(ctx context.Context, callID string, entries []TranscriptEntry) error

	// SaveSummary attaches the generated summary to the call row.
	SaveSummary(ctx context.Context, callID, summary string) error

	// Get fetches the call row.
	Get(ctx context.Context, callID string) (*CallLog, error)
}

type gormStore struct {
	logger    commons.Logger
	connector connectors.PostgresConnector
}

// NewStore migrates the tables and returns the gorm-backed store.
func NewStore(logger commons.Logger, connector connectors.PostgresConnector) (Store, error) {
	if err := connector.DB(context.Background()).AutoMigrate(&CallLog{}, &CallTranscript{}); err != nil {
		return nil, fmt.Errorf("callstore: migrate: %w", err)
	}
	return &gormStore{logger: logger, connector: connector}, nil
}

func (s *gormStore) CreateInitiated(ctx context.Context, callID, elderlyID string) error {
	row := &CallLog{CallID: callID, ElderlyID: elderlyID, Status: StatusInitiated}
	err := s.connector.DB(ctx).Create(row).Error
	if err != nil && isDuplicate(err) {
		// A racing insert from another trigger path already made the row.
		s.logger.Debugw("call row already exists", "call_id", callID)
		return nil
	}
	return err
}

func (s *gormStore) MarkAnswered(ctx context.Context, callID string, at time.Time) error {
	return s.connector.DB(ctx).
		Model(&CallLog{}).
		Where("call_id = ? AND started_at IS NULL", callID).
		Updates(map[string]any{"status": StatusAnswered, "started_at": at}).Error
}

func (s *gormStore) Complete(ctx context.Context, callID string, at time.Time) error {
	var row CallLog
	err := s.connector.DB(ctx).Where("call_id = ?", callID).First(&row).Error
	if err != nil {
		return fmt.Errorf("callstore: complete %s: %w", callID, err)
	}
	if row.EndedAt != nil {
		return nil
	}

	duration := 0
	if row.StartedAt != nil {
		duration = int(at.Sub(*row.StartedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}
	return s.connector.DB(ctx).
		Model(&CallLog{}).
		Where("call_id = ? AND ended_at IS NULL", callID).
		Updates(map[string]any{
			"status":       StatusCompleted,
			"ended_at":     at,
			"duration_sec": duration,
		}).Error
}

func (s *gormStore) MarkFailed(ctx context.Context, callID string) error {
	return s.connector.DB(ctx).
		Model(&CallLog{}).
		Where("call_id = ? AND ended_at IS NULL", callID).
		Update("status", StatusFailed).Error
}

func (s *gormStore) SaveTranscripts(ctx context.Context, callID string, entries []TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]*CallTranscript, len(entries))
	for i, e := range entries {
		rows[i] = &CallTranscript{
			CallID:    callID,
			Speaker:   e.Speaker,
			Text:      e.Text,
			OffsetSec: e.OffsetSec,
		}
	}
	return s.connector.DB(ctx).Create(rows).Error
}

func (s *gormStore) SaveSummary(ctx context.Context, callID, summary string) error {
	return s.connector.DB(ctx).
		Model(&CallLog{}).
		Where("call_id = ?", callID).
		Update("summary", summary).Error
}

func (s *gormStore) Get(ctx context.Context, callID string) (*CallLog, error) {
	var row CallLog
	if err := s.connector.DB(ctx).Where("call_id = ?", callID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// isDuplicate recognizes unique-constraint violations across the postgres
// and sqlite drivers.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
