package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/identity"
)

type fakeBackend struct {
	sent   []string
	err    error
	result *client.MigrationResult
}

func (f *fakeBackend) MigrateSession(_ context.Context, previousID string) (client.MigrationResult, error) {
	f.sent = append(f.sent, previousID)
	if f.err != nil {
		return client.MigrationResult{}, f.err
	}
	if f.result != nil {
		return *f.result, nil
	}
	return client.MigrationResult{Success: true, StretchingCount: 2, ConversationCount: 3}, nil
}

func storeAfterLogin(t *testing.T) *identity.Store {
	t.Helper()
	ctx := context.Background()
	s := identity.New(identity.NewMemoryKV())
	_, err := s.SetSessionID(ctx, "S1")
	require.NoError(t, err)
	_, err = s.SetSessionID(ctx, "S2")
	require.NoError(t, err)
	return s
}

func TestMigrateSendsPreviousAndClears(t *testing.T) {
	ctx := context.Background()
	store := storeAfterLogin(t)
	backend := &fakeBackend{}
	c := NewCoordinator(backend, store, zerolog.Nop())

	res := c.MigratePending(ctx)
	require.True(t, res.Success)
	require.False(t, res.Skipped)
	require.Equal(t, []string{"S1"}, backend.sent)
	require.Equal(t, 2, res.StretchingCount)
	require.Equal(t, 3, res.ConversationCount)
	require.Equal(t, "스트레칭 기록 2개, 대화 기록 3개를 계정으로 옮겼어요.", res.Notice)

	prev, _ := store.PreviousSessionID(ctx)
	require.Empty(t, prev)

	again := c.MigratePending(ctx)
	require.True(t, again.Success)
	require.True(t, again.Skipped)
	require.Len(t, backend.sent, 1, "second call is a no-op")
}

func TestMigrateEmptyIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	c := NewCoordinator(backend, identity.New(identity.NewMemoryKV()), zerolog.Nop())

	res := c.Migrate(context.Background(), "")
	require.True(t, res.Success)
	require.True(t, res.Skipped)
	require.Empty(t, backend.sent)
}

func TestMigrateFailureIsSoft(t *testing.T) {
	ctx := context.Background()
	store := storeAfterLogin(t)
	backend := &fakeBackend{err: &client.StatusError{Code: 500}}
	c := NewCoordinator(backend, store, zerolog.Nop())

	res := c.Migrate(ctx, "S1")
	require.False(t, res.Success)
	require.NotEmpty(t, res.Notice)
	var status *client.StatusError
	require.True(t, errors.As(res.Err, &status))

	prev, _ := store.PreviousSessionID(ctx)
	require.Equal(t, "S1", prev, "kept so the next login retries")
	require.Len(t, backend.sent, 1, "no automatic retry")
}

func TestMigrateUnknownPreviousClearsCandidate(t *testing.T) {
	ctx := context.Background()
	store := storeAfterLogin(t)
	backend := &fakeBackend{err: &client.StatusError{Code: 404, Message: "session not found"}}
	c := NewCoordinator(backend, store, zerolog.Nop())

	res := c.MigratePending(ctx)
	require.True(t, res.Success)
	require.True(t, res.Skipped)
	require.Empty(t, res.Notice)
	require.NoError(t, res.Err)

	prev, _ := store.PreviousSessionID(ctx)
	require.Empty(t, prev, "a session the backend no longer has is not retried")

	again := c.MigratePending(ctx)
	require.True(t, again.Success)
	require.Len(t, backend.sent, 1)
}

func TestMigrateNothingMovedHasNoNotice(t *testing.T) {
	ctx := context.Background()
	store := storeAfterLogin(t)
	backend := &fakeBackend{result: &client.MigrationResult{Success: true}}
	c := NewCoordinator(backend, store, zerolog.Nop())

	res := c.Migrate(ctx, "S1")
	require.True(t, res.Success)
	require.False(t, res.Skipped)
	require.Empty(t, res.Notice)

	prev, _ := store.PreviousSessionID(ctx)
	require.Empty(t, prev)
}
