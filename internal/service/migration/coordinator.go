// Package migration folds an anonymous session's history into the account
// that just logged in.
package migration

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/identity"
	"github.com/zhouzirui/stretch-coach/internal/metrics"
)

// Backend is the migrate-session endpoint.
type Backend interface {
	MigrateSession(ctx context.Context, previousID string) (client.MigrationResult, error)
}

// Result describes one migration attempt. Failures never surface as errors
// to callers, only as a Notice.
type Result struct {
	Success           bool
	Skipped           bool
	PreviousSessionID string
	StretchingCount   int
	ConversationCount int
	Notice            string
	Err               error
}

// Coordinator runs migrations. It never retries on its own.
type Coordinator struct {
	backend Backend
	store   *identity.Store
	log     zerolog.Logger
}

// NewCoordinator wires a coordinator to its backend and the identity store.
func NewCoordinator(backend Backend, store *identity.Store, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		backend: backend,
		store:   store,
		log:     log.With().Str("component", "migration").Logger(),
	}
}

// Migrate merges previousID into the authenticated session. An empty id is
// a successful no-op. On success the stored candidate is cleared so later
// logins do not migrate it again. A backend that no longer knows previousID
// means an earlier attempt already folded it in; that also counts as done.
// Notice is empty when nothing was moved.
func (c *Coordinator) Migrate(ctx context.Context, previousID string) Result {
	if previousID == "" {
		metrics.Migrations.WithLabelValues("skipped").Inc()
		c.log.Debug().Msg("no previous session to migrate")
		return Result{Success: true, Skipped: true}
	}

	log := c.log.With().Str("previous", previousID).Logger()
	res, err := c.backend.MigrateSession(ctx, previousID)
	var status *client.StatusError
	if errors.As(err, &status) && status.Code == http.StatusNotFound {
		c.clearCandidate(ctx, previousID, log)
		metrics.Migrations.WithLabelValues("gone").Inc()
		log.Info().Msg("previous session already gone, nothing to migrate")
		return Result{Success: true, Skipped: true, PreviousSessionID: previousID}
	}
	if err != nil {
		metrics.Migrations.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("session migration failed")
		return Result{
			PreviousSessionID: previousID,
			Notice:            "이전 대화 기록을 옮기지 못했어요. 다음 로그인 때 다시 시도할게요.",
			Err:               err,
		}
	}

	c.clearCandidate(ctx, previousID, log)

	metrics.Migrations.WithLabelValues("migrated").Inc()
	log.Info().
		Int("stretching", res.StretchingCount).
		Int("conversations", res.ConversationCount).
		Msg("session migrated")

	result := Result{
		Success:           true,
		PreviousSessionID: previousID,
		StretchingCount:   res.StretchingCount,
		ConversationCount: res.ConversationCount,
	}
	if res.StretchingCount+res.ConversationCount > 0 {
		result.Notice = fmt.Sprintf("스트레칭 기록 %d개, 대화 기록 %d개를 계정으로 옮겼어요.",
			res.StretchingCount, res.ConversationCount)
	}
	return result
}

func (c *Coordinator) clearCandidate(ctx context.Context, previousID string, log zerolog.Logger) {
	stored, err := c.store.PreviousSessionID(ctx)
	if err != nil || stored != previousID {
		return
	}
	if err := c.store.ClearPreviousSessionID(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clear migrated session id")
	}
}

// MigratePending migrates whatever candidate the store currently holds.
func (c *Coordinator) MigratePending(ctx context.Context) Result {
	previousID, err := c.store.PreviousSessionID(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("identity store unreadable, skipping migration")
		return Result{Notice: "이전 대화 기록을 확인하지 못했어요.", Err: err}
	}
	return c.Migrate(ctx, previousID)
}
