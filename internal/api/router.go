package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"github.com/examforge/vmlab-control-plane/internal/auth"
	"github.com/examforge/vmlab-control-plane/internal/config"
	"github.com/examforge/vmlab-control-plane/internal/metrics"
	"github.com/examforge/vmlab-control-plane/internal/model"
	"github.com/examforge/vmlab-control-plane/internal/session"
)

// Manager is the session lifecycle surface the gateway exposes.
type Manager interface {
	StartSession(ctx context.Context, userID string) (model.ExamSession, error)
	ControlVM(ctx context.Context, sessionID, role string, action session.Action) (bool, error)
	GetVMStatus(ctx context.Context, sessionID, role string) (model.VMStatus, error)
	GetSessionStatus(ctx context.Context, sessionID string) (map[string]model.VMStatus, error)
	EndSession(ctx context.Context, sessionID string) ([]int, error)
	SweepExpiredSessions(ctx context.Context, maxAge time.Duration) int
}

// ConsoleBroker hands back launchable console endpoints.
type ConsoleBroker interface {
	GetConsoleURL(ctx context.Context, sessionID, role string) (model.ConsoleDescriptor, error)
}

type Server struct {
	cfg     config.Config
	manager Manager
	broker  ConsoleBroker
}

func NewRouter(cfg config.Config, mgr Manager, broker ConsoleBroker) http.Handler {
	s := &Server{cfg: cfg, manager: mgr, broker: broker}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Session start clones several VMs sequentially; full clones on slow
	// storage can take minutes.
	r.Use(middleware.Timeout(3 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Group(func(g chi.Router) {
		if cfg.JWTSecret != "" {
			g.Use(auth.Middleware(cfg.JWTSecret))
		}
		g.Post("/session/start", s.handleSessionStart)
		g.Post("/session/{id}/vm/{role}/{action}", s.handleControlVM)
		g.Get("/session/{id}/vm/{role}/status", s.handleVMStatus)
		g.Get("/session/{id}/status", s.handleSessionStatus)
		g.Post("/session/{id}/vm/{role}/console", s.handleConsole)
		g.Delete("/session/{id}", s.handleEndSession)
		g.Post("/cleanup", s.handleCleanup)
	})

	if len(cfg.CORSOrigins) > 0 {
		return handlers.CORS(
			handlers.AllowedOrigins(cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(r)
	}
	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
