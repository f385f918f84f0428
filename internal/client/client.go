// Package client talks to the coaching backend: session lifecycle, login,
// migration and the guidance stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/zhouzirui/stretch-coach/internal/model/chat"
	"github.com/zhouzirui/stretch-coach/internal/model/profile"
)

// ErrNoSession means the backend knows no session for the current credentials.
var ErrNoSession = errors.New("no current session")

// Cookie names the backend issues for the anonymous session and the account.
const (
	sessionCookie = "session_id"
	userCookie    = "coach_user"
)

// StatusError is a non-2xx response other than "no session".
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// Client is safe for concurrent use. Credentials travel as cookies kept in
// the client's jar.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client rooted at baseURL. A nil httpClient gets a default
// one with a cookie jar; no overall timeout is set because guidance streams
// are long-lived.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}, nil
}

// RestoreSession seeds the cookie jar with credentials persisted by an
// earlier process so the next CurrentSession call presents them. It is a
// no-op when the client has no jar.
func (c *Client) RestoreSession(sessionID string, user *chat.User) {
	if c.http.Jar == nil || sessionID == "" {
		return
	}
	u, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return
	}
	cookies := []*http.Cookie{{Name: sessionCookie, Value: sessionID, Path: "/"}}
	if user != nil && user.ID != "" {
		cookies = append(cookies, &http.Cookie{Name: userCookie, Value: user.ID, Path: "/"})
	}
	c.http.Jar.SetCookies(u, cookies)
}

type sessionResponse struct {
	SessionID string     `json:"session_id"`
	Kind      chat.Kind  `json:"kind"`
	Owner     *chat.User `json:"owner,omitempty"`
}

func (r sessionResponse) session() chat.Session {
	kind := r.Kind
	if kind == "" {
		kind = chat.KindAnonymous
		if r.Owner != nil {
			kind = chat.KindAuthenticated
		}
	}
	return chat.Session{ID: r.SessionID, Kind: kind, Owner: r.Owner}
}

// CurrentSession asks for the session implied by the current cookies.
func (c *Client) CurrentSession(ctx context.Context) (chat.Session, error) {
	var out sessionResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions/current", nil, &out)
	var status *StatusError
	if errors.As(err, &status) && (status.Code == http.StatusNotFound || status.Code == http.StatusUnauthorized) {
		return chat.Session{}, ErrNoSession
	}
	if err != nil {
		return chat.Session{}, err
	}
	if out.SessionID == "" {
		return chat.Session{}, ErrNoSession
	}
	return out.session(), nil
}

// CreateSession provisions a new anonymous session.
func (c *Client) CreateSession(ctx context.Context) (chat.Session, error) {
	var out sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", struct{}{}, &out); err != nil {
		return chat.Session{}, err
	}
	if out.SessionID == "" {
		return chat.Session{}, errors.New("create session: response carried no session_id")
	}
	return out.session(), nil
}

// LoginResult is what the auth collaborator hands back on success.
type LoginResult struct {
	Session chat.Session
	User    chat.User
}

// Login authenticates against the development auth endpoint.
func (c *Client) Login(ctx context.Context, username string) (LoginResult, error) {
	var out struct {
		SessionID string    `json:"session_id"`
		User      chat.User `json:"user"`
	}
	payload := map[string]string{"username": username}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/login", payload, &out); err != nil {
		return LoginResult{}, err
	}
	user := out.User
	return LoginResult{
		Session: chat.Session{ID: out.SessionID, Kind: chat.KindAuthenticated, Owner: &user},
		User:    user,
	}, nil
}

// MigrationResult reports how much history was folded into the account.
type MigrationResult struct {
	Success           bool   `json:"success"`
	StretchingCount   int    `json:"stretching_count"`
	ConversationCount int    `json:"conversation_count"`
	Error             string `json:"error,omitempty"`
}

// MigrateSession merges previousID's history into the authenticated session.
func (c *Client) MigrateSession(ctx context.Context, previousID string) (MigrationResult, error) {
	var out MigrationResult
	payload := map[string]string{"previous_session_id": previousID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions/migrate", payload, &out); err != nil {
		return MigrationResult{}, err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "migration rejected"
		}
		return out, errors.New(msg)
	}
	return out, nil
}

// GuidanceRequest is the body of a stretching-stream call.
type GuidanceRequest struct {
	SessionID string
	Text      string
	Profile   profile.Profile
}

// OpenGuidanceStream starts the stream and returns its body once response
// headers have arrived. Closing the body releases the connection.
func (c *Client) OpenGuidanceStream(ctx context.Context, req GuidanceRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]any{
		"pain_description":    req.Text,
		"selected_body_parts": req.Profile.SelectedBodyParts,
		"occupation":          req.Profile.Occupation,
		"age":                 req.Profile.Age,
		"gender":              req.Profile.Gender,
		"lifestyle":           req.Profile.Lifestyle,
	})
	if err != nil {
		return nil, err
	}

	path := "/api/v1/sessions/" + req.SessionID + "/stretching/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error == "" {
			payload.Error = payload.Detail
		}
	}
	return &StatusError{Code: resp.StatusCode, Message: payload.Error}
}
