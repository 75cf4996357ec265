// Package server exposes the local HTTP API and the realtime push stream.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/moltbot/moltbot/internal/archive"
	"github.com/moltbot/moltbot/internal/config"
	"github.com/moltbot/moltbot/internal/httputil"
	"github.com/moltbot/moltbot/internal/messenger"
	"github.com/moltbot/moltbot/internal/realtime"
	"github.com/moltbot/moltbot/internal/websocket"
)

// Deps carries everything the handlers need.
type Deps struct {
	Ctrl    *messenger.Controller
	Hub     *realtime.Hub
	Archive *archive.Store
	Config  *config.Config
}

// Server is the HTTP API.
type Server struct {
	deps Deps

	cfgMu   sync.RWMutex
	runtime config.Runtime
}

// New builds a server around its dependencies.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", websocket.Handler(s.deps.Hub))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/login/start", s.handleLoginStart)
		r.Post("/login/credentials", s.handleLoginCredentials)
		r.Post("/login/2fa", s.handleLoginSecondFactor)
		r.Post("/logout", s.handleLogout)

		r.Get("/conversations", s.handleConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", s.handleMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/open", s.handleOpenConversation)
			r.Get("/history", s.handleHistory)
		})

		r.Get("/autoreply", s.handleGetAutoReply)
		r.Post("/autoreply", s.handleSetAutoReply)

		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleSetConfig)

		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/ops", s.handleOps)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"status":  "ok",
		"clients": s.deps.Hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, s.deps.Ctrl.Status())
}

func (s *Server) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Ctrl.StartLogin(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, res)
}

type credentialsRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

func (s *Server) handleLoginCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httputil.Parse(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Identifier == "" || req.Secret == "" {
		httputil.BadRequest(w, "identifier and secret are required")
		return
	}

	res, err := s.deps.Ctrl.SubmitCredentials(r.Context(), req.Identifier, req.Secret)
	if err != nil && res == nil {
		httputil.Error(w, err)
		return
	}
	// A rejection still carries a useful result body (phase, snapshot).
	httputil.OkJSON(w, res)
}

type secondFactorRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleLoginSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if err := httputil.Parse(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Code == "" {
		httputil.BadRequest(w, "code is required")
		return
	}

	res, err := s.deps.Ctrl.SubmitSecondFactor(r.Context(), req.Code)
	if err != nil && res == nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ctrl.Logout(r.Context()); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, map[string]string{"status": "logged_out"})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"conversations": s.deps.Ctrl.Conversations(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	httputil.OkJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        s.deps.Ctrl.Messages(id),
	})
}

type sendMessageRequest struct {
	ID   string `path:"id" json:"-"`
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := httputil.Parse(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Text == "" {
		httputil.BadRequest(w, "text is required")
		return
	}

	if err := s.deps.Ctrl.SendMessage(r.Context(), req.ID, req.Text); err != nil {
		httputil.Error(w, err)
		return
	}

	if s.deps.Archive != nil {
		if err := s.deps.Archive.Record(r.Context(), req.ID, string(messenger.DirectionOutbound), req.Text, ""); err != nil {
			// The send already happened; archiving is best-effort.
			httputil.OkJSON(w, map[string]string{"status": "sent", "archive_error": err.Error()})
			return
		}
	}
	httputil.OkJSON(w, map[string]string{"status": "sent"})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Ctrl.NavigateTo(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, map[string]string{"status": "opened", "conversation_id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		httputil.NotFound(w, "archive disabled")
		return
	}

	id := chi.URLParam(r, "id")
	limit := httputil.QueryInt(r, "limit", 50)
	entries, err := s.deps.Archive.History(r.Context(), id, limit)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, map[string]any{
		"conversation_id": id,
		"entries":         entries,
	})
}

func (s *Server) handleGetAutoReply(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]bool{"enabled": s.deps.Ctrl.AutoReplyEnabled()})
}

type autoReplyRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetAutoReply(w http.ResponseWriter, r *http.Request) {
	var req autoReplyRequest
	if err := httputil.Parse(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.deps.Ctrl.SetAutoReply(req.Enabled)
	httputil.OkJSON(w, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	rt := s.runtime
	s.cfgMu.RUnlock()
	httputil.OkJSON(w, map[string]any{
		"config":    s.deps.Config,
		"overrides": rt,
	})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req config.Runtime
	if err := httputil.Parse(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	s.deps.Ctrl.UpdateConfig(req)

	s.cfgMu.Lock()
	if req.PollInterval != nil {
		s.runtime.PollInterval = req.PollInterval
	}
	if req.MessageWindow != nil {
		s.runtime.MessageWindow = req.MessageWindow
	}
	if req.AutoReply != nil {
		s.runtime.AutoReply = req.AutoReply
	}
	rt := s.runtime
	s.cfgMu.Unlock()

	httputil.OkJSON(w, map[string]any{"overrides": rt})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	shot, err := s.deps.Ctrl.TakeSnapshot(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(shot)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ctrl.PollOnce(r.Context()); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.OkJSON(w, map[string]string{"status": "refreshed"})
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, map[string]any{"ops": s.deps.Ctrl.OpLog()})
}
