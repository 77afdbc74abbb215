package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ai-speech-relay-service/internal/app"
	"ai-speech-relay-service/internal/transport/ws"
)

type activeUsersResponse struct {
	ActiveUsers []string `json:"active_users"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/users", func(w http.ResponseWriter, _ *http.Request) {
		users := application.Sessions.Users()
		if users == nil {
			users = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(activeUsersResponse{ActiveUsers: users})
	})

	// Audio streaming. The /api_16 path is kept for existing clients.
	wsPath := "/ws/{" + ws.UserParam + "}"
	serveWS := func(w http.ResponseWriter, req *http.Request) {
		if application.WS == nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		application.WS.ServeHTTP(w, req)
	}
	r.Get("/api_16"+wsPath, serveWS)
	r.Route("/v1", func(r chi.Router) {
		r.Get(wsPath, serveWS)
	})

	return r
}
