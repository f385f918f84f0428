package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/model/profile"
	"github.com/zhouzirui/stretch-coach/internal/service/guidance"
	"github.com/zhouzirui/stretch-coach/internal/service/history"
	"github.com/zhouzirui/stretch-coach/pkg/utils"
)

// Handler manages streaming guidance responses via Server-Sent Events
type Handler struct {
	generator guidance.Generator
	history   *history.Service
	log       zerolog.Logger
}

// New creates a new stream handler
func New(generator guidance.Generator, historySvc *history.Service, log zerolog.Logger) *Handler {
	return &Handler{
		generator: generator,
		history:   historySvc,
		log:       log.With().Str("component", "stream_handler").Logger(),
	}
}

// RegisterRoutes mounts the stretching stream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions/{sessionID}/stretching/stream", h.handleStream)
}

// StreamRequest is the body of a stretching-stream call.
type StreamRequest struct {
	PainDescription   string `json:"pain_description"`
	SelectedBodyParts string `json:"selected_body_parts"`
	Occupation        string `json:"occupation"`
	Age               int    `json:"age"`
	Gender            string `json:"gender"`
	Lifestyle         string `json:"lifestyle"`
}

// Record is one SSE data payload.
type Record struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	var payload StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.PainDescription) == "" {
		utils.RespondError(w, http.StatusUnprocessableEntity, "pain_description is required")
		return
	}

	if _, err := h.history.GetSession(ctx, sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	past, err := h.history.LoadTranscript(ctx, sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := h.history.SaveMessage(ctx, history.Message{
		SessionID: sessionID,
		Sender:    "user",
		Content:   payload.PainDescription,
	}); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to save user message")
	}

	stream, err := h.generator.Stream(ctx, guidance.Request{
		SessionID: sessionID,
		Pain:      payload.PainDescription,
		History:   past,
		Profile: profile.Profile{
			Age:               payload.Age,
			Gender:            payload.Gender,
			Occupation:        payload.Occupation,
			Lifestyle:         payload.Lifestyle,
			SelectedBodyParts: payload.SelectedBodyParts,
		},
	})
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("guidance generation failed")
		utils.RespondError(w, http.StatusBadGateway, "guidance generation failed")
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "stream established"); err != nil {
		return
	}

	response, err := h.relay(ctx, w, flusher, stream)
	if err != nil {
		if ctx.Err() == nil {
			h.log.Error().Err(err).Str("session_id", sessionID).Msg("guidance stream failed")
			_ = utils.SendSSEChunk(w, flusher, Record{Error: "guidance stream failed"})
		}
		return
	}

	if err := h.history.SaveMessage(ctx, history.Message{
		SessionID: sessionID,
		Sender:    "assistant",
		Content:   response.Content,
	}); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to save assistant message")
	}

	if err := utils.SendSSEChunk(w, flusher, Record{Done: true}); err != nil {
		return
	}
	h.log.Info().Str("session_id", sessionID).Int("length", len(response.Content)).Msg("completed guidance stream")
}

// relay forwards each increment as a content record and returns the
// concatenated reply.
func (h *Handler) relay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, stream *schema.StreamReader[*schema.Message]) (*schema.Message, error) {
	chunks := make([]*schema.Message, 0, 8)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			if err := utils.SendSSEChunk(w, flusher, Record{Content: chunk.Content}); err != nil {
				return nil, err
			}
		}
	}

	if len(chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	return schema.ConcatMessages(chunks)
}
