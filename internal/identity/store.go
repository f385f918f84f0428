// Package identity persists which conversation this client belongs to.
//
// The store is the only state shared between the session and migration
// coordinators. UI code never writes to it directly.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/stretch-coach/internal/model/chat"
)

// Keys used in the backing KV.
const (
	KeySessionID         = "sessionId"
	KeyPreviousSessionID = "previousSessionId"
	KeyUser              = "userInfo"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("identity store closed")

// KV is a client-side persistent key-value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store is a typed view over a KV.
type Store struct {
	kv KV
}

// New wraps kv.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Close releases the backing KV.
func (s *Store) Close() error {
	return s.kv.Close()
}

// SessionID returns the stored session id, or "" if none.
func (s *Store) SessionID(ctx context.Context) (string, error) {
	return s.get(ctx, KeySessionID)
}

// SetSessionID records id as current. A different id already present is
// kept as the previous session so it can be migrated later.
func (s *Store) SetSessionID(ctx context.Context, id string) (previous string, err error) {
	if id == "" {
		return "", nil
	}

	existing, err := s.get(ctx, KeySessionID)
	if err != nil {
		return "", err
	}
	if existing != "" && existing != id {
		if err := s.kv.Set(ctx, KeyPreviousSessionID, existing); err != nil {
			return "", fmt.Errorf("store previous session: %w", err)
		}
		previous = existing
	}

	if err := s.kv.Set(ctx, KeySessionID, id); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return previous, nil
}

// PreviousSessionID returns the session awaiting migration, or "".
func (s *Store) PreviousSessionID(ctx context.Context) (string, error) {
	return s.get(ctx, KeyPreviousSessionID)
}

// ClearPreviousSessionID forgets the migration candidate.
func (s *Store) ClearPreviousSessionID(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyPreviousSessionID)
}

// User returns the stored authenticated profile, or nil.
func (s *Store) User(ctx context.Context) (*chat.User, error) {
	raw, err := s.get(ctx, KeyUser)
	if err != nil || raw == "" {
		return nil, err
	}

	var user chat.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("decode stored user: %w", err)
	}
	return &user, nil
}

// SetUser stores the authenticated profile.
func (s *Store) SetUser(ctx context.Context, user chat.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyUser, string(data))
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	value, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return value, nil
}
