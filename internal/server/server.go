package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/teamcodebridge/chatrelay/internal/api"
	"github.com/teamcodebridge/chatrelay/internal/config"
	"github.com/teamcodebridge/chatrelay/internal/metrics"
	"github.com/teamcodebridge/chatrelay/internal/middleware"
	"github.com/teamcodebridge/chatrelay/internal/websocket"
)

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Hub         *websocket.Hub
	WSHandler   *websocket.Handler
	Store       api.HistoryStore // nil when history is disabled
	Bus         Pinger           // nil for the in-process bus
	Metrics     *metrics.Metrics
	RateLimiter *middleware.RateLimiter
	OpenAPI     []byte
	Logger      *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	return &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     NewHandler(cfg, deps),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would also bound hijacked websocket connections.
		IdleTimeout: 60 * time.Second,
	}
}

// NewHandler builds the routed and wrapped handler.
func NewHandler(cfg *config.Config, deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	registerRoutes(mux, deps)

	return chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger, deps.Metrics),
		recoverMiddleware(deps.Logger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, `{"status":"ok"}`)
	})

	// Ready check - verifies the history store and bus
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if deps.Store != nil {
			if err := deps.Store.Ping(ctx); err != nil {
				deps.Logger.Warn("readiness: store unavailable", "error", err)
				writeStatus(w, http.StatusServiceUnavailable, `{"status":"not ready","error":"history store unavailable"}`)
				return
			}
		}
		if deps.Bus != nil {
			if err := deps.Bus.Ping(ctx); err != nil {
				deps.Logger.Warn("readiness: bus unavailable", "error", err)
				writeStatus(w, http.StatusServiceUnavailable, `{"status":"not ready","error":"pubsub unavailable"}`)
				return
			}
		}
		writeStatus(w, http.StatusOK, `{"status":"ready"}`)
	})

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	// =========================================================================
	// API docs
	// =========================================================================
	if len(deps.OpenAPI) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(deps.OpenAPI)
		})
		mux.Handle("GET /docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	}

	// =========================================================================
	// WebSocket routes
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)
	mux.Handle("GET /socket", deps.WSHandler)

	// =========================================================================
	// REST routes (rate limited per client IP)
	// =========================================================================
	limit := func(h http.HandlerFunc) http.Handler {
		if deps.RateLimiter == nil {
			return h
		}
		return deps.RateLimiter.Middleware(h)
	}

	members := api.NewMemberHandler(deps.Store, deps.Hub, deps.Logger)
	mux.Handle("GET /api/presence", limit(members.Presence))

	if deps.Store == nil {
		return
	}

	messages := api.NewMessageHandler(deps.Store, deps.Hub, deps.Hub.MaxContentLength(), deps.Logger)
	mux.Handle("GET /api/messages", limit(messages.List))
	mux.Handle("POST /api/messages", limit(messages.Create))
	mux.Handle("GET /api/messages/unread", limit(messages.Unread))
	mux.Handle("POST /api/messages/read", limit(messages.MarkRead))
	mux.Handle("GET /api/members", limit(members.List))
	mux.Handle("POST /api/members", limit(members.Create))
	mux.Handle("GET /api/members/{id}", limit(members.Get))
	mux.Handle("PUT /api/members/{id}", limit(members.Update))

	rooms := api.NewRoomHandler(deps.Store, deps.Logger)
	mux.Handle("GET /api/chat-rooms", limit(rooms.List))
	mux.Handle("POST /api/chat-rooms", limit(rooms.Create))
	mux.Handle("GET /api/chat-rooms/{id}", limit(rooms.Get))
	mux.Handle("DELETE /api/chat-rooms/{id}", limit(rooms.Delete))
	mux.Handle("POST /api/chat-rooms/{id}/members", limit(rooms.AddMember))
	mux.Handle("DELETE /api/chat-rooms/{id}/members/{userId}", limit(rooms.RemoveMember))
}

func writeStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
