package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/respond"
	"github.com/playtrack/backend/internal/session"
)

// TokenHeader carries the shared auth token for clients that cannot set
// Authorization.
const TokenHeader = "X-Playtrack-Token"

// Routes lets other packages mount endpoints under /api.
type Routes interface {
	RegisterRoutes(r chi.Router)
}

type ServerConfig struct {
	AllowedOrigins []string
	AuthToken      string
}

type Server struct {
	hub            *Hub
	sessions       session.Store
	health         http.Handler
	api            []Routes
	log            logrus.FieldLogger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

// NewServer builds the HTTP surface. health may be nil.
func NewServer(cfg ServerConfig, hub *Hub, sessions session.Store, health http.Handler, log logrus.FieldLogger, api ...Routes) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		hub:            hub,
		sessions:       sessions,
		health:         health,
		api:            api,
		log:            log.WithField("component", "http"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/ws", s.handleWS)
	r.Route("/api", func(api chi.Router) {
		if s.health != nil {
			api.Method(http.MethodGet, "/health", s.health)
		}
		api.Group(func(authed chi.Router) {
			authed.Use(s.requireAuth)
			authed.Get("/sessions", s.handleSessions)
			authed.Get("/sessions/{childId}", s.handleSession)
			for _, routes := range s.api {
				routes.RegisterRoutes(authed)
			}
		})
	})
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.hub.atCapacity() {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("ws upgrade failed")
		return
	}

	// Serve blocks until the socket closes, which keeps r.Context() alive
	// for the read pump.
	if err := s.hub.Serve(r.Context(), conn); err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
				time.Now().Add(writeWait))
		}
		conn.Close()
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("rejected ws client")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.log.WithError(err).Error("list sessions")
		respond.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	respond.JSON(w, http.StatusOK, list)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	childID, err := strconv.ParseInt(chi.URLParam(r, "childId"), 10, 64)
	if err != nil || childID <= 0 {
		respond.Error(w, http.StatusBadRequest, "invalid child id")
		return
	}
	st, ok, err := s.sessions.Get(r.Context(), childID)
	if err != nil {
		s.log.WithError(err).WithField("childId", childID).Error("get session")
		respond.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if !ok {
		respond.Error(w, http.StatusNotFound, "no active session")
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			respond.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if s.tokenMatches(r.URL.Query().Get("token")) {
		return true
	}

	if s.tokenMatches(r.Header.Get(TokenHeader)) {
		return true
	}

	auth := r.Header.Get("Authorization")
	if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok && s.tokenMatches(bearer) {
		return true
	}

	return false
}

func (s *Server) tokenMatches(candidate string) bool {
	return candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(s.authToken)) == 1
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request through logrus with the chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"bytes":     ww.BytesWritten(),
			"duration":  time.Since(start).Round(time.Microsecond),
			"requestId": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// ListenAndServe runs handler on addr until ctx is cancelled, then shuts
// down gracefully. onShutdown is called as shutdown begins; it must close
// hijacked connections, which the server no longer tracks.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log logrus.FieldLogger, onShutdown func()) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if onShutdown != nil {
		srv.RegisterOnShutdown(onShutdown)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
