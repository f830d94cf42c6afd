package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-study/internal/handler/chat"
	"github.com/zhouzirui/z-study/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/z-study/internal/middleware"
	"github.com/zhouzirui/z-study/internal/service/session"
	"github.com/zhouzirui/z-study/pkg/utils"
)

// NewRouter wires HTTP routes to core services. streamHandler and metrics are optional.
func NewRouter(sessions *session.Manager, streamHandler *stream.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// Development generation endpoint and its history
	if streamHandler != nil {
		streamHandler.RegisterRoutes(r)
	}

	r.Route("/api", func(api chi.Router) {
		chat.New(sessions).RegisterRoutes(api)
	})

	return r
}
