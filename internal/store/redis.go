package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/relayai/core/internal/domain"
)

const (
	sessionKeyPrefix = "relay:session:"
	sessionTTL       = 30 * time.Minute
)

// SessionStore persists SessionState (spec §3) in Redis: short-lived,
// keyed by session ID, holding the bounded chat-turn history used by the
// routing policy's follow-up fast path.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(addr, password string, db int) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &SessionStore{client: client}, nil
}

func (s *SessionStore) Close() error {
	return s.client.Close()
}

func (s *SessionStore) Client() *redis.Client {
	return s.client
}

func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save persists a SessionState, resetting its TTL.
func (s *SessionStore) Save(ctx context.Context, session *domain.SessionState) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKeyPrefix+session.SessionID, data, sessionTTL).Err()
}

// Get retrieves a SessionState, or nil if it has expired or never existed.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session domain.SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// AppendTurn loads the session (creating one if absent), appends a chat
// turn bounded to the configured history window, records the routed node,
// and saves it back in a single round trip's worth of logic.
func (s *SessionStore) AppendTurn(ctx context.Context, sessionID, userID, nodeSlug string, turn domain.ChatTurn, window int) (*domain.SessionState, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = &domain.SessionState{SessionID: sessionID, UserID: userID}
	}

	session.LastRoutedNodeSlug = nodeSlug
	session.History = append(session.History, turn)
	if len(session.History) > window {
		session.History = session.History[len(session.History)-window:]
	}

	if err := s.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes a session immediately.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}
