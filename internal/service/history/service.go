// Package history is the in-memory session store behind the development
// backend: sessions, their transcripts, login accounts and migration.
package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrUsernameRequired = errors.New("username is required")
	ErrSameSession      = errors.New("cannot migrate a session into itself")
)

// Session is a server-side conversation lineage.
type Session struct {
	ID        string    `json:"session_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an account created on first login.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Message persists individual turns.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Counts reports what a migration moved.
type Counts struct {
	Stretching   int `json:"stretching_count"`
	Conversation int `json:"conversation_count"`
}

// Service encapsulates conversation state management.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
	users    map[string]User   // by username
	owned    map[string]string // user id -> session id
	migrated map[string]string // folded session id -> target session id
}

// NewService bootstraps the in-memory history service.
func NewService() *Service {
	return &Service{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		users:    make(map[string]User),
		owned:    make(map[string]string),
		migrated: make(map[string]string),
	}
}

// CreateSession provisions an anonymous session.
func (s *Service) CreateSession(_ context.Context) (Session, error) {
	session := Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// Login returns the account for username, creating it and its
// authenticated session on first use.
func (s *Service) Login(_ context.Context, username string) (User, Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, Session{}, ErrUsernameRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		user = User{ID: uuid.NewString(), Username: username}
		s.users[username] = user
	}

	if id, ok := s.owned[user.ID]; ok {
		return user, s.sessions[id], nil
	}

	session := Session{ID: uuid.NewString(), OwnerID: user.ID, CreatedAt: time.Now().UTC()}
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]Message, 0, 16)
	s.owned[user.ID] = session.ID
	return user, session, nil
}

// UserByID looks up an account.
func (s *Service) UserByID(_ context.Context, id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// SessionForUser returns the authenticated session owned by userID.
func (s *Service) SessionForUser(_ context.Context, userID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owned[userID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.sessions[id], nil
}

// SaveMessage appends a message to the session history.
func (s *Service) SaveMessage(_ context.Context, message Message) error {
	if message.SessionID == "" {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[message.SessionID]; !ok {
		return ErrSessionNotFound
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	return nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Migrate moves every message of fromID into toID and deletes fromID.
// Migrating a session that an earlier call already folded in reports zero
// counts; an id that never existed is ErrSessionNotFound.
func (s *Service) Migrate(_ context.Context, fromID, toID string) (Counts, error) {
	if fromID == toID {
		return Counts{}, ErrSameSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[toID]; !ok {
		return Counts{}, ErrSessionNotFound
	}
	if _, ok := s.sessions[fromID]; !ok {
		if _, done := s.migrated[fromID]; done {
			return Counts{}, nil
		}
		return Counts{}, ErrSessionNotFound
	}

	moved := s.messages[fromID]
	var counts Counts
	for _, m := range moved {
		m.SessionID = toID
		s.messages[toID] = append(s.messages[toID], m)
		counts.Conversation++
		if m.Sender == "assistant" {
			counts.Stretching++
		}
	}

	delete(s.messages, fromID)
	delete(s.sessions, fromID)
	s.migrated[fromID] = toID
	return counts, nil
}
