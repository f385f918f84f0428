package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/stretch-coach/internal/client"
	"github.com/zhouzirui/stretch-coach/internal/handler"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/model/profile"
	"github.com/zhouzirui/stretch-coach/internal/service/guidance"
	"github.com/zhouzirui/stretch-coach/internal/service/history"
)

func newBackend(t *testing.T) (*httptest.Server, *client.Client) {
	t.Helper()
	srv := httptest.NewServer(handler.NewRouter(zerolog.Nop(), history.NewService(), guidance.NewCanned(8)))
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, nil)
	require.NoError(t, err)
	return srv, c
}

func TestSessionLifecycleOverCookies(t *testing.T) {
	_, c := newBackend(t)
	ctx := context.Background()

	_, err := c.CurrentSession(ctx)
	require.ErrorIs(t, err, client.ErrNoSession)

	created, err := c.CreateSession(ctx)
	require.NoError(t, err)
	require.Equal(t, chat.KindAnonymous, created.Kind)
	require.True(t, created.Anonymous())

	current, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, current.ID)

	login, err := c.Login(ctx, "minji")
	require.NoError(t, err)
	require.Equal(t, "minji", login.User.Username)
	require.False(t, login.Session.Anonymous())

	after, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, login.Session.ID, after.ID)
	require.Equal(t, chat.KindAuthenticated, after.Kind)
	require.Equal(t, "minji", after.Owner.Username)
}

func TestMigrateSession(t *testing.T) {
	_, c := newBackend(t)
	ctx := context.Background()

	anon, err := c.CreateSession(ctx)
	require.NoError(t, err)

	body, err := c.OpenGuidanceStream(ctx, client.GuidanceRequest{SessionID: anon.ID, Text: "목이 뻐근하고 어깨가 결려요", Profile: profile.Default()})
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, body)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	_, err = c.Login(ctx, "minji")
	require.NoError(t, err)

	result, err := c.MigrateSession(ctx, anon.ID)
	require.NoError(t, err)
	require.Equal(t, client.MigrationResult{Success: true, StretchingCount: 1, ConversationCount: 2}, result)

	again, err := c.MigrateSession(ctx, anon.ID)
	require.NoError(t, err)
	require.Equal(t, client.MigrationResult{Success: true}, again)

	_, err = c.MigrateSession(ctx, "never-issued")
	var status *client.StatusError
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusNotFound, status.Code)
}

func TestRestoreSessionAcrossClients(t *testing.T) {
	srv, first := newBackend(t)
	ctx := context.Background()

	anon, err := first.CreateSession(ctx)
	require.NoError(t, err)

	second, err := client.New(srv.URL, nil)
	require.NoError(t, err)
	_, err = second.CurrentSession(ctx)
	require.ErrorIs(t, err, client.ErrNoSession)

	second.RestoreSession(anon.ID, nil)
	current, err := second.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, anon.ID, current.ID)
	require.True(t, current.Anonymous())

	login, err := first.Login(ctx, "minji")
	require.NoError(t, err)

	third, err := client.New(srv.URL, nil)
	require.NoError(t, err)
	third.RestoreSession(login.Session.ID, &login.User)
	authed, err := third.CurrentSession(ctx)
	require.NoError(t, err)
	require.Equal(t, login.Session.ID, authed.ID)
	require.Equal(t, chat.KindAuthenticated, authed.Kind)
	require.Equal(t, "minji", authed.Owner.Username)
}

func TestRestoreSessionWithoutJar(t *testing.T) {
	srv, _ := newBackend(t)
	c, err := client.New(srv.URL, &http.Client{})
	require.NoError(t, err)

	c.RestoreSession("S1", &chat.User{ID: "U1"})
	_, err = c.CurrentSession(context.Background())
	require.ErrorIs(t, err, client.ErrNoSession)
}

func TestOpenGuidanceStream(t *testing.T) {
	_, c := newBackend(t)
	ctx := context.Background()

	session, err := c.CreateSession(ctx)
	require.NoError(t, err)

	body, err := c.OpenGuidanceStream(ctx, client.GuidanceRequest{SessionID: session.ID, Text: "목이 뻐근해요", Profile: profile.Default()})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(raw), "data: {\"done\":true}\n\n"))
	require.Contains(t, string(raw), `"content":"목, 어깨 스트`)
}

func TestOpenGuidanceStreamStatusErrors(t *testing.T) {
	_, c := newBackend(t)

	_, err := c.OpenGuidanceStream(context.Background(), client.GuidanceRequest{SessionID: "missing", Text: "목이 뻐근해요"})
	var status *client.StatusError
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusNotFound, status.Code)
	require.Equal(t, "session not found", status.Message)
}

func TestMigrationRejectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":false,"error":"already migrated"}`)
	}))
	defer srv.Close()

	c, err := client.New(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = c.MigrateSession(context.Background(), "S1")
	require.EqualError(t, err, "already migrated")
}
