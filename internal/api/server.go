// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fruitsalade/filegate/internal/auth"
	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/metrics"
	"github.com/fruitsalade/filegate/internal/session"
	"github.com/fruitsalade/filegate/pkg/protocol"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

type contextKey string

const gateContextKey contextKey = "session"

// Server is the HTTP server.
type Server struct {
	sessions      *session.Store
	tokens        *auth.SessionTokens
	extensions    []string
	secureCookies bool
}

// NewServer creates a new server. secureCookies marks the session cookie
// Secure and should be set when serving over TLS.
func NewServer(sessions *session.Store, tokens *auth.SessionTokens, allowedExtensions []string, secureCookies bool) *Server {
	return &Server{
		sessions:      sessions,
		tokens:        tokens,
		extensions:    allowedExtensions,
		secureCookies: secureCookies,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/session", s.handleNewSession)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	// Endpoints that need a session (authenticated or not)
	mux.Handle("POST /api/v1/auth/logout", s.withSession(s.handleLogout))
	mux.Handle("GET /api/v1/auth/status", s.withSession(s.handleStatus))

	// File operations; the gate rejects unauthenticated sessions
	mux.Handle("GET /api/v1/files", s.withSession(s.handleList))
	mux.Handle("GET /api/v1/files/{path...}", s.withSession(s.handleDownload))
	mux.Handle("POST /api/v1/archive", s.withSession(s.handleArchive))

	// Metrics must sit inside logging so it sees the matched pattern.
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// withSession resolves the session named by the request's token.
func (s *Server) withSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := s.lookupSession(r)
		if g == nil {
			if auth.ExtractToken(r) != "" {
				// Stale or foreign token: drop it so browsers start over.
				auth.ClearCookie(w, s.secureCookies)
			}
			s.sendError(w, r, http.StatusUnauthorized, "not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), gateContextKey, g)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) lookupSession(r *http.Request) *session.Gate {
	tokenStr := auth.ExtractToken(r)
	if tokenStr == "" {
		return nil
	}
	id, err := s.tokens.Parse(tokenStr)
	if err != nil {
		logging.WithContext(r.Context()).Debug("rejected session token", zap.Error(err))
		return nil
	}
	g, ok := s.sessions.Get(id)
	if !ok {
		return nil
	}
	return g
}

func gateFrom(ctx context.Context) *session.Gate {
	g, _ := ctx.Value(gateContextKey).(*session.Gate)
	return g
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:   "ok",
		Sessions: s.sessions.Count(),
	})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	g := s.sessions.Create()
	token, err := s.tokens.Issue(g.ID())
	if err != nil {
		s.sessions.Delete(g.ID())
		s.internalError(w, r, "issue session token", err)
		return
	}
	auth.SetCookie(w, token, s.secureCookies)
	s.sendJSON(w, http.StatusCreated, protocol.SessionResponse{
		SessionToken:  token,
		Authenticated: false,
	})
}

// handleLogin handles POST /api/v1/auth/login. Without a session token a
// new session is started; it is dropped again if the credential fails.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	// A malformed body fails exactly like a wrong credential.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req)

	g := s.lookupSession(r)
	created := false
	if g == nil {
		g = s.sessions.Create()
		created = true
	}

	if err := g.Authenticate(req.Token); err != nil {
		if created {
			s.sessions.Delete(g.ID())
		}
		s.sendSessionError(w, r, err)
		return
	}

	token, err := s.tokens.Issue(g.ID())
	if err != nil {
		s.internalError(w, r, "issue session token", err)
		return
	}
	auth.SetCookie(w, token, s.secureCookies)
	s.sendJSON(w, http.StatusOK, protocol.SessionResponse{
		SessionToken:  token,
		Authenticated: true,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	g := gateFrom(r.Context())
	g.Logout()
	s.sendJSON(w, http.StatusOK, protocol.SessionResponse{Authenticated: false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	g := gateFrom(r.Context())
	s.sendJSON(w, http.StatusOK, protocol.SessionResponse{
		Authenticated: g.State() == session.Authenticated,
	})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	g := gateFrom(r.Context())

	entries, err := g.ListFiles(r.Context())
	if err != nil {
		s.sendSessionError(w, r, err)
		return
	}

	resp := protocol.ListResponse{
		Root:              g.Root(),
		RootAvailable:     true,
		AllowedExtensions: s.extensions,
		Files:             make([]protocol.FileInfo, 0, len(entries)),
	}
	if err := g.RootStatus(); err != nil {
		resp.RootAvailable = false
		resp.Message = err.Error()
	}
	for _, e := range entries {
		resp.Files = append(resp.Files, protocol.FileInfo{
			Name:      e.Name,
			Path:      e.RelativePath,
			Size:      e.Size,
			SizeHuman: humanize.Bytes(uint64(e.Size)),
			ModTime:   e.ModTime,
		})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	g := gateFrom(r.Context())
	relPath := r.PathValue("path")

	d, err := g.DownloadSingle(r.Context(), relPath)
	if err != nil {
		metrics.RecordDownload("single", 0, false)
		s.sendSessionError(w, r, err)
		return
	}
	defer d.Body.Close()

	s.serveDownload(w, r, d, "single")
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	g := gateFrom(r.Context())

	var req protocol.ArchiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	d, report, err := g.DownloadArchive(r.Context(), req.Paths)
	if err != nil {
		metrics.RecordDownload("archive", 0, false)
		s.sendSessionError(w, r, err)
		return
	}
	defer d.Body.Close()

	w.Header().Set("X-Archive-Members", strconv.Itoa(len(report.Members)))
	w.Header().Set("X-Archive-Skipped", strconv.Itoa(len(report.Skipped)))
	s.serveDownload(w, r, d, "archive")
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, d *session.Download, kind string) {
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	w.Header().Set("Last-Modified", d.ModTime.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, d.Body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("name", d.Name), zap.Error(err))
	}
	metrics.RecordDownload(kind, n, err == nil)
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// sendSessionError maps gate errors to HTTP responses. Anything outside
// the known set is logged and reported as an internal error.
func (s *Server) sendSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCredential):
		s.sendError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, session.ErrNotAuthenticated):
		s.sendError(w, r, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, session.ErrEmptySelection):
		s.sendError(w, r, http.StatusBadRequest, "no files selected")
	case errors.Is(err, session.ErrNotFound):
		s.sendError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logging.WithContext(r.Context()).Info("request abandoned", zap.Error(err))
		s.sendError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.internalError(w, r, "request failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logging.WithContext(r.Context()).Error(msg, zap.Error(err))
	s.sendError(w, r, http.StatusInternalServerError, "internal error")
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sendError writes an ErrorResponse. Details carries the request ID so a
// client can quote it when reporting a problem.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error:   message,
		Code:    code,
		Details: logging.RequestID(r.Context()),
	})
}
