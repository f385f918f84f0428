package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/handler/session"
	"github.com/zhouzirui/stretch-coach/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/stretch-coach/internal/middleware"
	"github.com/zhouzirui/stretch-coach/internal/service/guidance"
	"github.com/zhouzirui/stretch-coach/internal/service/history"
	"github.com/zhouzirui/stretch-coach/pkg/utils"
)

// NewRouter wires the development backend routes.
func NewRouter(log zerolog.Logger, historySvc *history.Service, generator guidance.Generator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		session.New(historySvc, log).RegisterRoutes(api)

		if generator == nil {
			api.Post("/sessions/{sessionID}/stretching/stream", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "guidance streaming unavailable")
			})
			return
		}
		stream.New(generator, historySvc, log).RegisterRoutes(api)
	})

	return r
}
