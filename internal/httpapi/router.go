// Package httpapi exposes the chat, emotion, speech and voice endpoints.
package httpapi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/auth"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/chat"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/config"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/emotion"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/history"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/metrics"
)

// ChatService is implemented by *chat.Service.
type ChatService interface {
	SendMessage(ctx context.Context, userID int64, conversationID *int64, text string) (chat.Result, error)
	History(ctx context.Context, userID int64) ([]history.Conversation, error)
	EmotionHistory(ctx context.Context, userID, conversationID int64) ([]emotion.Point, error)
}

// Synthesizer is implemented by *speech.Client.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Chat           ChatService
	Speech         Synthesizer
	Auth           *auth.Verifier
	Metrics        *metrics.Metrics // optional
	DB             Pinger           // optional
	RateLimit      config.RateLimitConfig
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Requests)
	r.Use(middleware.Recoverer)
	r.Use(instrument(d.Metrics))
	r.Use(cors(d.AllowedOrigins))

	r.Get("/healthz", health(d.DB))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	chatH := &chatHandler{
		chat:    d.Chat,
		speech:  d.Speech,
		limits:  &limiterPool{cfg: d.RateLimit},
		metrics: d.Metrics,
	}
	voiceH := newVoiceHandler(d.Chat, d.Speech, d.Metrics, d.AllowedOrigins)

	r.Route("/api", func(api chi.Router) {
		api.Group(func(g chi.Router) {
			g.Use(d.Auth.Middleware(false))
			chatH.RegisterRoutes(g)
		})
		api.With(d.Auth.Middleware(true)).Get("/voice/ws", voiceH.serve)
	})

	return r
}

// instrument records one observation per request labelled by route pattern.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(route, status, time.Since(start))
		})
	}
}

func cors(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && slices.Contains(origins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				logger.L.Error("health check failed", "error", err)
				respondError(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
