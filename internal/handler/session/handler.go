package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/service/history"
	"github.com/zhouzirui/stretch-coach/pkg/utils"
)

// Cookie names carrying the anonymous session and the logged-in account.
const (
	SessionCookie = "session_id"
	UserCookie    = "coach_user"
)

// Handler serves session lifecycle, the development login and migration.
type Handler struct {
	history *history.Service
	log     zerolog.Logger
}

// New wires the handler to the history service.
func New(historySvc *history.Service, log zerolog.Logger) *Handler {
	return &Handler{
		history: historySvc,
		log:     log.With().Str("component", "session_handler").Logger(),
	}
}

// RegisterRoutes mounts the session, login and migration routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/current", h.handleCurrent)
	r.Post("/sessions", h.handleCreate)
	r.Post("/sessions/migrate", h.handleMigrate)
	r.Post("/auth/login", h.handleLogin)
}

type sessionView struct {
	SessionID string        `json:"session_id"`
	Kind      string        `json:"kind"`
	Owner     *history.User `json:"owner,omitempty"`
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if user, ok := h.userFromCookie(r); ok {
		session, err := h.history.SessionForUser(r.Context(), user.ID)
		if err == nil {
			utils.RespondJSON(w, http.StatusOK, sessionView{SessionID: session.ID, Kind: "authenticated", Owner: &user})
			return
		}
	}

	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		utils.RespondError(w, http.StatusUnauthorized, "no session")
		return
	}

	session, err := h.history.GetSession(r.Context(), cookie.Value)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "no session")
		return
	}
	if session.OwnerID != "" {
		if owner, ok := h.history.UserByID(r.Context(), session.OwnerID); ok {
			utils.RespondJSON(w, http.StatusOK, sessionView{SessionID: session.ID, Kind: "authenticated", Owner: &owner})
			return
		}
	}
	utils.RespondJSON(w, http.StatusOK, sessionView{SessionID: session.ID, Kind: "anonymous"})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	session, err := h.history.CreateSession(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: session.ID, Path: "/", HttpOnly: true})
	h.log.Info().Str("session_id", session.ID).Msg("anonymous session created")
	utils.RespondJSON(w, http.StatusCreated, sessionView{SessionID: session.ID, Kind: "anonymous"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, session, err := h.history.Login(r.Context(), payload.Username)
	if errors.Is(err, history.ErrUsernameRequired) {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{Name: UserCookie, Value: user.ID, Path: "/", HttpOnly: true})
	h.log.Info().Str("user_id", user.ID).Str("session_id", session.ID).Msg("user logged in")
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"user":       user,
	})
}

func (h *Handler) handleMigrate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromCookie(r)
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "login required")
		return
	}

	var payload struct {
		PreviousSessionID string `json:"previous_session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.PreviousSessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "previous_session_id is required")
		return
	}

	target, err := h.history.SessionForUser(r.Context(), user.ID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	counts, err := h.history.Migrate(r.Context(), payload.PreviousSessionID, target.ID)
	switch {
	case errors.Is(err, history.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, history.ErrSameSession):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info().
		Str("from", payload.PreviousSessionID).
		Str("to", target.ID).
		Int("stretching_count", counts.Stretching).
		Int("conversation_count", counts.Conversation).
		Msg("session migrated")
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"stretching_count":   counts.Stretching,
		"conversation_count": counts.Conversation,
	})
}

func (h *Handler) userFromCookie(r *http.Request) (history.User, bool) {
	cookie, err := r.Cookie(UserCookie)
	if err != nil || cookie.Value == "" {
		return history.User{}, false
	}
	return h.history.UserByID(r.Context(), cookie.Value)
}
