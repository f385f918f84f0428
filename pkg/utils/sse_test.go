package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendSSEChunkFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	require.NoError(t, SendSSEComment(rec, rec, "ping"))
	require.NoError(t, SendSSEChunk(rec, rec, map[string]string{"content": "목"}))
	require.NoError(t, SendSSEChunk(rec, rec, map[string]bool{"done": true}))

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, ": ping\n\ndata: {\"content\":\"목\"}\n\ndata: {\"done\":true}\n\n", rec.Body.String())
	require.True(t, rec.Flushed)
}

func TestSendSSEChunkRejectsUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	require.Error(t, SendSSEChunk(rec, rec, map[string]any{"bad": make(chan int)}))
	require.Zero(t, rec.Body.Len())
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "session not found")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"session not found"}`, rec.Body.String())
}
