// Package server exposes the handler over http.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/sync/errgroup"

	"github.com/pgmanage/dbconsole/handler"
	"github.com/pgmanage/dbconsole/session"
)

const (
	cookieName  = "dbconsole"
	clientIDKey = "client_id"
)

// SessionFactory builds the database roster of a user logging in.
type SessionFactory func(clientID, user string) *session.Session

type Config struct {
	Addr          string
	SessionSecret string
	// PollTimeout bounds a single long_polling call
	PollTimeout       time.Duration
	ClientIdleTimeout time.Duration
	ReapInterval      time.Duration
}

// Server is the http boundary of the console.
type Server struct {
	handler    *handler.Handler
	newSession SessionFactory
	cookies    *sessions.CookieStore
	config     Config
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(h *handler.Handler, newSession SessionFactory, cfg Config, logger *slog.Logger) *Server {
	cookies := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	cookies.MaxAge(86400 * 7)
	cookies.Options.Path = "/"
	cookies.Options.HttpOnly = true
	cookies.Options.SameSite = http.SameSiteLaxMode

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		handler:    h,
		newSession: newSession,
		cookies:    cookies,
		config:     cfg,
		log:        logger,
		sessions:   make(map[string]*session.Session),
	}
}

// Router returns the http routes of the server.
func (s *Server) Router() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Get("/healthz", s.healthz)
	r.Post("/create_request", s.createRequest)
	r.Post("/long_polling", s.longPolling)
	r.Post("/clear_client", s.clearClient)
	r.Post("/renew_password", s.renewPassword)

	return r
}

// Serve runs the http server and the idle client reaper until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.Router(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		s.log.Info("listening", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("srv.ListenAndServe: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.log.Debug("shutting down")
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})

	if s.config.ReapInterval > 0 {
		eg.Go(func() error {
			ticker := time.NewTicker(s.config.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-egctx.Done():
					return nil
				case <-ticker.C:
					s.reap()
				}
			}
		})
	}

	return eg.Wait()
}

// Close cancels all workers and drops every session.
func (s *Server) Close() {
	s.handler.Close()

	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	for id, sess := range all {
		s.closeSession(id, sess)
	}
}

func (s *Server) reap() {
	ids := s.handler.Sweep(s.config.ClientIdleTimeout)
	for _, id := range ids {
		s.dropSession(id)
	}
	if len(ids) > 0 {
		s.log.Info("idle clients cleared", "count", len(ids))
	}
}

func (s *Server) session(clientID string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[clientID]
}

// login replaces the session of the client.
func (s *Server) login(clientID, user string) {
	sess := s.newSession(clientID, user)

	s.mu.Lock()
	prev := s.sessions[clientID]
	s.sessions[clientID] = sess
	s.mu.Unlock()

	if prev != nil {
		s.closeSession(clientID, prev)
	}
}

func (s *Server) dropSession(clientID string) {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	delete(s.sessions, clientID)
	s.mu.Unlock()

	if ok {
		s.closeSession(clientID, sess)
	}
}

func (s *Server) closeSession(clientID string, sess *session.Session) {
	if err := sess.Close(); err != nil {
		s.log.Warn("failed closing session", "client_id", clientID, "error", err)
	}
}

// clientID returns the id stored in the cookie, issuing one on first contact.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (string, error) {
	cookie, err := s.cookies.Get(r, cookieName)
	if err != nil {
		// an undecodable cookie still yields a fresh session
		s.log.Debug("discarding web session cookie", "error", err)
	}

	if id, ok := cookie.Values[clientIDKey].(string); ok && id != "" {
		return id, nil
	}

	id := uuid.NewString()
	cookie.Values[clientIDKey] = id
	if err := cookie.Save(r, w); err != nil {
		return "", fmt.Errorf("cookie.Save: %w", err)
	}
	return id, nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	clientID, err := s.clientID(w, r)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	var req handler.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %w", handler.ErrProtocolViolation, err))
		return
	}

	if req.Code == handler.RequestLogin {
		var login handler.LoginRequest
		if len(req.Data) > 0 {
			_ = json.Unmarshal(req.Data, &login)
		}
		if login.User == "" {
			login.User = clientID
		}
		s.login(clientID, login.User)
	}

	err = s.handler.CreateRequest(r.Context(), clientID, s.session(clientID), &req)
	switch {
	case errors.Is(err, handler.ErrProtocolViolation):
		s.fail(w, r, http.StatusBadRequest, err)
		return
	case err != nil:
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

type pollRequest struct {
	Startup bool `json:"p_startup"`
}

type pollResponse struct {
	Rows []handler.Envelope `json:"returning_rows"`
}

func (s *Server) longPolling(w http.ResponseWriter, r *http.Request) {
	clientID, err := s.clientID(w, r)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	var req pollRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %w", handler.ErrProtocolViolation, err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PollTimeout)
	defer cancel()

	rows, err := s.handler.LongPoll(ctx, clientID, req.Startup)
	if err != nil {
		// the browser went away
		s.log.Debug("long polling aborted", "client_id", clientID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, pollResponse{Rows: rows})
}

func (s *Server) clearClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := s.clientID(w, r)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	s.handler.ClearClient(clientID)
	s.dropSession(clientID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) renewPassword(w http.ResponseWriter, r *http.Request) {
	clientID, err := s.clientID(w, r)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	sess := s.session(clientID)
	if sess == nil {
		s.fail(w, r, http.StatusUnauthorized, errors.New("session missing"))
		return
	}

	var req handler.RenewPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: %w", handler.ErrProtocolViolation, err))
		return
	}

	if err := sess.SetPassword(req.DatabaseIndex, req.Password); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	// verify the password right away
	db, err := sess.OpenDatabase(r.Context(), req.DatabaseIndex, "")
	if err == nil {
		err = db.Open(r.Context(), true)
		_ = db.Close(false)
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"v_error": true, "v_data": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"v_error": false})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.log.Warn("request failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"status", status,
		"error", err,
	)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
