// Package session resolves which conversation this client belongs to.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/identity"
	"github.com/zhouzirui/stretch-coach/internal/metrics"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
)

// ErrNoIdentity means no session could be resolved, created or recovered.
var ErrNoIdentity = errors.New("no session identity could be established")

// Backend is the session service.
type Backend interface {
	CurrentSession(ctx context.Context) (chat.Session, error)
	CreateSession(ctx context.Context) (chat.Session, error)
}

// Restorer is implemented by backends whose credentials do not survive a
// restart on their own. The coordinator hands them the cached identity
// before asking for the current session.
type Restorer interface {
	RestoreSession(sessionID string, user *chat.User)
}

// Coordinator is the only writer of session identity to the store.
type Coordinator struct {
	backend Backend
	store   *identity.Store
	log     zerolog.Logger

	mu       sync.RWMutex
	started  bool
	ready    chan struct{}
	current  chat.Session
	previous string
	err      error
}

// NewCoordinator creates an unresolved coordinator.
func NewCoordinator(backend Backend, store *identity.Store, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		backend: backend,
		store:   store,
		log:     log.With().Str("component", "session").Logger(),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first resolution finishes, successfully or not.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Current returns the resolved session, if any.
func (c *Coordinator) Current() (chat.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.current.ID != ""
}

// PreviousSessionID returns the id retained for migration, or "".
func (c *Coordinator) PreviousSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.previous
}

// Resolve runs at most once per Coordinator. Later and concurrent calls wait
// for the first one and share its result.
func (c *Coordinator) Resolve(ctx context.Context) (chat.Session, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.ready:
		case <-ctx.Done():
			return chat.Session{}, ctx.Err()
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.current, c.err
	}
	c.started = true
	c.mu.Unlock()

	sess, err := c.resolve(ctx)

	c.mu.Lock()
	c.err = err
	if err == nil {
		c.current = sess
	}
	c.mu.Unlock()
	close(c.ready)

	return sess, err
}

func (c *Coordinator) resolve(ctx context.Context) (chat.Session, error) {
	cached, err := c.store.SessionID(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("identity store unreadable, resolving without cache")
	}
	if r, ok := c.backend.(Restorer); ok && cached != "" {
		user, err := c.store.User(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("cached user unreadable, restoring session only")
		}
		r.RestoreSession(cached, user)
	}

	sess, err := c.backend.CurrentSession(ctx)
	switch {
	case err == nil:
		metrics.SessionResolutions.WithLabelValues("current").Inc()
		c.log.Info().Str("session", sess.ID).Str("kind", string(sess.Kind)).Msg("adopted current session")
		return c.adopt(ctx, sess)

	case errors.Is(err, client.ErrNoSession):
		c.log.Info().Msg("no current session, creating one")

	default:
		if cached != "" {
			metrics.SessionResolutions.WithLabelValues("cached").Inc()
			c.log.Warn().Err(err).Str("session", cached).Msg("session check failed, using cached id")
			return c.fromCache(ctx, cached), nil
		}
		c.log.Warn().Err(err).Msg("session check failed and nothing cached, creating one")
	}

	created, err := c.backend.CreateSession(ctx)
	if err != nil {
		if cached != "" {
			metrics.SessionResolutions.WithLabelValues("cached").Inc()
			c.log.Warn().Err(err).Str("session", cached).Msg("session create failed, using cached id")
			return c.fromCache(ctx, cached), nil
		}
		metrics.SessionResolutions.WithLabelValues("failed").Inc()
		c.log.Error().Err(err).Msg("unable to establish a session")
		return chat.Session{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}

	metrics.SessionResolutions.WithLabelValues("created").Inc()
	c.log.Info().Str("session", created.ID).Msg("created anonymous session")
	return c.adopt(ctx, created)
}

func (c *Coordinator) fromCache(ctx context.Context, id string) chat.Session {
	sess := chat.Session{ID: id, Kind: chat.KindAnonymous}
	if user, err := c.store.User(ctx); err == nil && user != nil {
		sess.Kind = chat.KindAuthenticated
		sess.Owner = user
	}
	return sess
}

// Adopt makes sess current, typically after a login. The id it replaces is
// retained as the migration candidate.
func (c *Coordinator) Adopt(ctx context.Context, sess chat.Session) (chat.Session, error) {
	sess, err := c.adopt(ctx, sess)
	if err != nil {
		return chat.Session{}, err
	}
	c.mu.Lock()
	c.current = sess
	c.err = nil
	c.mu.Unlock()
	return sess, nil
}

func (c *Coordinator) adopt(ctx context.Context, sess chat.Session) (chat.Session, error) {
	if sess.ID == "" {
		return chat.Session{}, errors.New("session id is required")
	}

	previous, err := c.store.SetSessionID(ctx, sess.ID)
	if err != nil {
		// The id is still usable for this process even if it cannot be persisted.
		c.log.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist session id")
	}
	if sess.Owner != nil {
		if err := c.store.SetUser(ctx, *sess.Owner); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist user profile")
		}
	}

	if previous == "" {
		previous, _ = c.store.PreviousSessionID(ctx)
	}
	c.mu.Lock()
	c.previous = previous
	c.mu.Unlock()
	if previous != "" {
		c.log.Info().Str("previous", previous).Str("session", sess.ID).Msg("retained previous session for migration")
	}
	return sess, nil
}

// ForgetPrevious drops the migration candidate from memory once migrated.
func (c *Coordinator) ForgetPrevious(id string) {
	c.mu.Lock()
	if c.previous == id {
		c.previous = ""
	}
	c.mu.Unlock()
}
