// Package adminapi exposes a minimal operator surface over the
// dispatcher: liveness/health and a Prometheus-free JSON summary endpoint,
// optionally behind HTTP Basic auth. Adapted from the teacher's
// pkg/api/handlers.go health handlers and pkg/api/middleware_auth.go's
// bcrypt-backed Basic auth, with the rest of the teacher's large
// CRUD/UI/session surface intentionally not ported — this dispatcher has
// no blocklist, cache, or local-records store for it to administer.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dispatchd/internal/logging"
	"dispatchd/internal/querylog"
)

// Credentials gates the admin endpoints behind HTTP Basic auth when
// Username is non-empty and Password or PasswordHash is set. PasswordHash,
// if set, is a bcrypt hash and
// takes precedence over the plaintext Password fallback.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

func (c Credentials) required() bool {
	return c.Username != "" && (c.Password != "" || c.PasswordHash != "")
}

func (c Credentials) authorize(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) != 1 {
		return false
	}
	if c.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
}

// healthResponse mirrors the teacher's HealthResponse shape.
type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type recentResponse struct {
	Entries []querylog.Entry `json:"entries"`
}

// Server is the admin HTTP surface: /healthz (liveness), /ready (answers
// "ready" whenever the server is serving; it does not inspect the upstream
// pool), /stats (process CPU/memory snapshot), and /recent (tail of the
// query audit log, when one is configured).
type Server struct {
	creds     Credentials
	startedAt time.Time
	logger    *logging.Logger
	qlog      *querylog.Log
	mux       *http.ServeMux
	http      *http.Server
}

// New builds the admin mux. qlog may be nil if the audit log is disabled.
func New(listen string, creds Credentials, qlog *querylog.Log, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Global()
	}
	s := &Server{creds: creds, startedAt: time.Now(), logger: logger, qlog: qlog, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/recent", s.handleRecent)
	s.mux.HandleFunc("/stats", s.handleStats)

	var handler http.Handler = s.mux
	if creds.required() {
		handler = s.authMiddleware(handler)
	}
	s.http = &http.Server{Addr: listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Start begins serving and blocks until the listener returns (typically
// on Shutdown).
func (s *Server) Start() error {
	s.logger.Info("admin endpoint listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !s.creds.authorize(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="dispatchd", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Uptime: time.Since(s.startedAt).String()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Uptime: time.Since(s.startedAt).String()})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.qlog == nil {
		http.Error(w, "query log disabled", http.StatusNotImplemented)
		return
	}
	entries, err := s.qlog.Recent(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recentResponse{Entries: entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
