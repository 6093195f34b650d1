// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/carecall/pkg/connectors"
)

// finalizeLockTTL bounds how long a crashed finalizer can block the call.
const finalizeLockTTL = 30 * time.Second

// StoredMessage is one transcript line kept in the session store until
// finalization persists it durably.
type StoredMessage struct {
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	OffsetSec float64 `json:"offset_sec"`
}

// SessionStore keeps per-call conversation state and the exactly-once
// coordination flags. Two implementations: in-process (default) and Redis
// (multi-instance deployments).
type SessionStore interface {
	AppendMessage(ctx context.Context, callID string, msg StoredMessage) error
	Conversation(ctx context.Context, callID string) ([]StoredMessage, error)

	// MarkSaved flips the saved-once flag; reports whether this caller was
	// first.
	MarkSaved(ctx context.Context, callID string) (bool, error)

	// MarkFinalized flips the finalized flag; reports whether this caller
	// was first.
	MarkFinalized(ctx context.Context, callID string) (bool, error)

	// AcquireFinalizeLock takes the call-id-keyed lock with its TTL.
	AcquireFinalizeLock(ctx context.Context, callID string) (bool, error)
	ReleaseFinalizeLock(ctx context.Context, callID string) error

	// Clear drops all per-call state after finalization.
	Clear(ctx context.Context, callID string) error
}

// ----------------------------------------------------------------------------
// In-process store
// ----------------------------------------------------------------------------

type memoryStore struct {
	mu            sync.Mutex
	conversations map[string][]StoredMessage
	saved         map[string]bool
	finalized     map[string]bool
	locks         map[string]time.Time // expiry
}

// NewMemoryStore is the single-instance default.
func NewMemoryStore() SessionStore {
	return &memoryStore{
		conversations: make(map[string][]StoredMessage),
		saved:         make(map[string]bool),
		finalized:     make(map[string]bool),
		locks:         make(map[string]time.Time),
	}
}

func (m *memoryStore) AppendMessage(ctx context.Context, callID string, msg StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[callID] = append(m.conversations[callID], msg)
	return nil
}

func (m *memoryStore) Conversation(ctx context.Context, callID string) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredMessage(nil), m.conversations[callID]...), nil
}

func (m *memoryStore) MarkSaved(ctx context.Context, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved[callID] {
		return false, nil
	}
	m.saved[callID] = true
	return true, nil
}

func (m *memoryStore) MarkFinalized(ctx context.Context, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized[callID] {
		return false, nil
	}
	m.finalized[callID] = true
	return true, nil
}

func (m *memoryStore) AcquireFinalizeLock(ctx context.Context, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, held := m.locks[callID]; held && time.Now().Before(expiry) {
		return false, nil
	}
	m.locks[callID] = time.Now().Add(finalizeLockTTL)
	return true, nil
}

func (m *memoryStore) ReleaseFinalizeLock(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, callID)
	return nil
}

func (m *memoryStore) Clear(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, callID)
	return nil
}

// ----------------------------------------------------------------------------
// Redis store
// ----------------------------------------------------------------------------

func conversationKey(callID string) string { return "carecall:conversation:" + callID }
func savedKey(callID string) string        { return "carecall:saved:" + callID }
func finalizedKey(callID string) string    { return "carecall:finalized:" + callID }
func lockKey(callID string) string         { return "carecall:finalize-lock:" + callID }

// sessionKeyTTL keeps abandoned per-call keys from accumulating.
const sessionKeyTTL = 24 * time.Hour

type redisStore struct {
	connector connectors.RedisConnector
}

// NewRedisStore shares session state across instances.
func NewRedisStore(connector connectors.RedisConnector) SessionStore {
	return &redisStore{connector: connector}
}

func (r *redisStore) client() *redis.Client {
	return r.connector.Client()
}

func (r *redisStore) AppendMessage(ctx context.Context, callID string, msg StoredMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session store: encode message: %w", err)
	}
	pipe := r.client().TxPipeline()
	pipe.RPush(ctx, conversationKey(callID), payload)
	pipe.Expire(ctx, conversationKey(callID), sessionKeyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) Conversation(ctx context.Context, callID string) ([]StoredMessage, error) {
	raw, err := r.client().LRange(ctx, conversationKey(callID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StoredMessage, 0, len(raw))
	for _, item := range raw {
		var msg StoredMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("session store: decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *redisStore) MarkSaved(ctx context.Context, callID string) (bool, error) {
	return r.client().SetNX(ctx, savedKey(callID), "1", sessionKeyTTL).Result()
}

func (r *redisStore) MarkFinalized(ctx context.Context, callID string) (bool, error) {
	return r.client().SetNX(ctx, finalizedKey(callID), "1", sessionKeyTTL).Result()
}

func (r *redisStore) AcquireFinalizeLock(ctx context.Context, callID string) (bool, error) {
	return r.client().SetNX(ctx, lockKey(callID), "1", finalizeLockTTL).Result()
}

func (r *redisStore) ReleaseFinalizeLock(ctx context.Context, callID string) error {
	return r.client().Del(ctx, lockKey(callID)).Err()
}

func (r *redisStore) Clear(ctx context.Context, callID string) error {
	return r.client().Del(ctx, conversationKey(callID)).Err()
}
