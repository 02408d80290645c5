// Package adminapi is the read-only operator HTTP API: health checks,
// operator login, and authenticated views over sessions, channels,
// disputes, ratings, and the audit log. It never touches the agent-facing
// wire protocol, which is served entirely by internal/relay.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	adminauth "github.com/agentchat/agentchat/internal/adminapi/auth"
	"github.com/agentchat/agentchat/internal/channel"
	"github.com/agentchat/agentchat/internal/dispute"
	"github.com/agentchat/agentchat/internal/opsstore"
	"github.com/agentchat/agentchat/internal/reputation"
	"github.com/agentchat/agentchat/internal/session"
)

// Server is the admin/ops HTTP API.
type Server struct {
	mux    *chi.Mux
	logger *slog.Logger

	auth     *adminauth.Service
	sessions *session.Table
	channels *channel.Engine
	disputes *dispute.Engine
	ledger   *reputation.Ledger
	ops      opsstore.Store

	startTime time.Time
	loginRL   *perKeyLimiter
}

// Options configures a Server.
type Options struct {
	Auth           *adminauth.Service
	Sessions       *session.Table
	Channels       *channel.Engine
	Disputes       *dispute.Engine
	Ledger         *reputation.Ledger
	Ops            opsstore.Store
	AllowedOrigins []string
	Logger         *slog.Logger
}

// New builds the admin API's chi router.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger.With("component", "adminapi"),
		auth:      opts.Auth,
		sessions:  opts.Sessions,
		channels:  opts.Channels,
		disputes:  opts.Disputes,
		ledger:    opts.Ledger,
		ops:       opts.Ops,
		startTime: time.Now(),
		loginRL:   newPerKeyLimiter(5, 10),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(opts.AllowedOrigins))

	mux.Get("/health", s.handleHealth)
	mux.Get("/readyz", s.handleReadyz)
	mux.With(loginIPRateLimitMiddleware(s.loginRL)).Post("/api/auth/login", s.handleLogin)

	mux.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/channels", s.handleChannels)
		r.Get("/api/disputes", s.handleDisputes)
		r.Get("/api/ratings/{agentID}", s.handleRating)
		r.Get("/api/audit", s.handleAudit)
	})

	s.mux = mux
	return s
}

// Handler returns the http.Handler to mount.
func (s *Server) Handler() http.Handler { return s.mux }

// StartBackgroundTasks runs periodic bucket cleanup until ctx is canceled.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.loginRL.cleanup(time.Hour)
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	disputes := s.disputes.List()
	openDisputes := 0
	for _, d := range disputes {
		if d.Phase != dispute.PhaseResolved && d.Phase != dispute.PhaseVoided && d.Phase != dispute.PhaseFallback {
			openDisputes++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"session_count":   len(s.sessions.Snapshot()),
		"channel_count":   len(s.channels.ListPublic()),
		"dispute_count":   len(disputes),
		"open_disputes":   openDisputes,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.ops.ListEvents(ctx, 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		_ = s.logAudit(r.Context(), req.Username, "login.failed", nil)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	_ = s.logAudit(r.Context(), req.Username, "login.success", nil)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channels.ListPublic())
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.disputes.List())
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	writeJSON(w, http.StatusOK, s.ledger.Rating(agentID))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.ops.ListEvents(r.Context(), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read audit log")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) logAudit(ctx context.Context, actor, action string, detail json.RawMessage) error {
	return s.ops.LogEvent(ctx, opsstore.AuditEvent{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}
