// Package protocol defines the API request/response types.
package protocol

import "time"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// LoginRequest is the body for POST /api/v1/auth/login
type LoginRequest struct {
	Token string `json:"token"`
}

// SessionResponse is returned by the session and auth endpoints.
// SessionToken is only set when a token was issued by the request.
type SessionResponse struct {
	SessionToken  string `json:"session_token,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// FileInfo describes one downloadable file.
type FileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	ModTime   time.Time `json:"mtime"`
}

// ListResponse is returned by GET /api/v1/files
type ListResponse struct {
	Root              string     `json:"root"`
	RootAvailable     bool       `json:"root_available"`
	Message           string     `json:"message,omitempty"`
	AllowedExtensions []string   `json:"allowed_extensions"`
	Files             []FileInfo `json:"files"`
}

// ArchiveRequest is the body for POST /api/v1/archive
type ArchiveRequest struct {
	Paths []string `json:"paths"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
