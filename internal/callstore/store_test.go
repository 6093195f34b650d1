// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_callstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rapidaai/carecall/pkg/commons"
	"github.com/rapidaai/carecall/pkg/connectors"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.WithLogLevel("error"))
	require.NoError(t, err)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store, err := NewStore(logger, connectors.NewPostgresConnectorFromDB(db))
	require.NoError(t, err)
	return store
}

func TestStore_CallLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))

	row, err := store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, row.Status)
	assert.Equal(t, "E1", row.ElderlyID)
	assert.Nil(t, row.StartedAt)

	answered := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkAnswered(ctx, "CAX", answered))

	ended := answered.Add(95 * time.Second)
	require.NoError(t, store.Complete(ctx, "CAX", ended))

	row, err = store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, row.Status)
	assert.Equal(t, 95, row.DurationSec)
	require.NotNil(t, row.EndedAt)
}

func TestStore_DuplicateInsertSwallowed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))
	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))

	row, err := store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, row.Status)
}

func TestStore_StatusReplayIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))

	answered := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkAnswered(ctx, "CAX", answered.Add(time.Duration(i)*time.Minute)))
	}
	row, err := store.Get(ctx, "CAX")
	require.NoError(t, err)
	require.NotNil(t, row.StartedAt)
	assert.True(t, row.StartedAt.Equal(answered), "replays do not move the start time")

	ended := answered.Add(30 * time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Complete(ctx, "CAX", ended.Add(time.Duration(i)*time.Minute)))
	}
	row, err = store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Equal(t, 30, row.DurationSec, "replays do not stretch the duration")
	assert.Equal(t, StatusCompleted, row.Status)
}

func TestStore_CompleteWithoutAnswerHasZeroDuration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))
	require.NoError(t, store.Complete(ctx, "CAX", time.Now()))

	row, err := store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Zero(t, row.DurationSec)
	assert.Equal(t, StatusCompleted, row.Status)
}

func TestStore_MarkFailedSkipsEndedCalls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))
	require.NoError(t, store.Complete(ctx, "CAX", time.Now()))
	require.NoError(t, store.MarkFailed(ctx, "CAX"))

	row, err := store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, row.Status, "a completed call stays completed")
}

func TestStore_TranscriptsAndSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInitiated(ctx, "CAX", "E1"))
	require.NoError(t, store.SaveTranscripts(ctx, "CAX", []TranscriptEntry{
		{Speaker: SpeakerUser, Text: "안녕하세요", OffsetSec: 1.2},
		{Speaker: SpeakerAgent, Text: "안녕하세요! 반가워요.", OffsetSec: 2.8},
	}))
	require.NoError(t, store.SaveSummary(ctx, "CAX", "어르신과 인사를 나눴습니다."))

	row, err := store.Get(ctx, "CAX")
	require.NoError(t, err)
	assert.Equal(t, "어르신과 인사를 나눴습니다.", row.Summary)

	gs := store.(*gormStore)
	var transcripts []CallTranscript
	require.NoError(t, gs.connector.DB(ctx).
		Where("call_id = ?", "CAX").Order("id").Find(&transcripts).Error)
	require.Len(t, transcripts, 2)
	assert.Equal(t, SpeakerUser, transcripts[0].Speaker)
	assert.NotEmpty(t, transcripts[0].TranscriptID)
	assert.InDelta(t, 2.8, transcripts[1].OffsetSec, 0.001)
}

func TestStore_SaveTranscriptsEmptyIsNoop(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.SaveTranscripts(context.Background(), "CAX", nil))
}
