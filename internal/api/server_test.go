package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fruitsalade/filegate/internal/archive"
	"github.com/fruitsalade/filegate/internal/auth"
	"github.com/fruitsalade/filegate/internal/catalog"
	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/session"
	"github.com/fruitsalade/filegate/pkg/protocol"
)

var testExts = []string{".sql", ".csv"}

type testEnv struct {
	handler http.Handler
	store   *session.Store
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	for rel, content := range map[string]string{
		"a.csv":     "0123456789",
		"sub/b.sql": "SELECT * FROM users;",
		"c.txt":     "not exported",
	} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return newTestEnvAt(t, root)
}

func newTestEnvAt(t *testing.T, root string) *testEnv {
	t.Helper()
	logging.InitNop()

	// md5("hello")
	v, err := auth.NewVerifier("5d41402abc4b2a76b9719d911017c592")
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewStore(v, catalog.New(root, testExts), archive.New(-1), 2)
	srv := NewServer(store, auth.NewSessionTokens("test-secret", 0), testExts, false)
	return &testEnv{handler: srv.Handler(), store: store, root: root}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", protocol.LoginRequest{Token: "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp protocol.SessionResponse
	decode(t, rec, &resp)
	if !resp.Authenticated || resp.SessionToken == "" {
		t.Fatalf("login response = %+v", resp)
	}
	return resp.SessionToken
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, code int, msg string) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, code, rec.Body)
	}
	var resp protocol.ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != code || !strings.Contains(resp.Error, msg) {
		t.Errorf("error = %+v, want %q", resp, msg)
	}
	if resp.Details == "" || resp.Details != rec.Header().Get(logging.RequestIDHeader) {
		t.Errorf("details = %q, want the request id %q", resp.Details, rec.Header().Get(logging.RequestIDHeader))
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp protocol.HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestLoginWrongToken(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []any{
		protocol.LoginRequest{Token: "wrong"},
		protocol.LoginRequest{Token: ""},
		"{not json",
	} {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
		expectError(t, rec, http.StatusUnauthorized, "invalid token")
	}
	if n := env.store.Count(); n != 0 {
		t.Errorf("failed logins left %d sessions behind", n)
	}
}

func TestFullFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	// Listing
	rec := env.do(t, http.MethodGet, "/api/v1/files", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body)
	}
	var list protocol.ListResponse
	decode(t, rec, &list)
	if !list.RootAvailable || list.Message != "" {
		t.Errorf("root status = %v %q", list.RootAvailable, list.Message)
	}
	if len(list.Files) != 2 {
		t.Fatalf("files = %+v", list.Files)
	}
	if f := list.Files[0]; f.Path != "a.csv" || f.Name != "a.csv" || f.Size != 10 || f.SizeHuman != "10 B" {
		t.Errorf("file 0 = %+v", f)
	}
	if f := list.Files[1]; f.Path != "sub/b.sql" || f.Name != "b.sql" || f.Size != 20 {
		t.Errorf("file 1 = %+v", f)
	}

	// Single download
	rec = env.do(t, http.MethodGet, "/api/v1/files/sub/b.sql", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	_, params, err := mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	if err != nil || params["filename"] != "b.sql" {
		t.Errorf("Content-Disposition = %q (%v)", rec.Header().Get("Content-Disposition"), err)
	}
	if rec.Header().Get("Content-Length") != "20" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
	if rec.Body.String() != "SELECT * FROM users;" {
		t.Errorf("body = %q", rec.Body)
	}

	// Archive
	rec = env.do(t, http.MethodPost, "/api/v1/archive", token,
		protocol.ArchiveRequest{Paths: []string{"a.csv", "sub/b.sql"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("archive status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}
	_, params, err = mime.ParseMediaType(rec.Header().Get("Content-Disposition"))
	if err != nil || params["filename"] != "selected_files.zip" {
		t.Errorf("Content-Disposition = %q (%v)", rec.Header().Get("Content-Disposition"), err)
	}
	if rec.Header().Get("X-Archive-Members") != "2" || rec.Header().Get("X-Archive-Skipped") != "0" {
		t.Errorf("archive headers = %q / %q",
			rec.Header().Get("X-Archive-Members"), rec.Header().Get("X-Archive-Skipped"))
	}
	data := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	got := map[string]bool{}
	for _, f := range zr.File {
		got[f.Name] = true
	}
	if len(got) != 2 || !got["a.csv"] || !got["sub/b.sql"] {
		t.Errorf("zip members = %v", got)
	}
}

func TestArchivePartialHeaders(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.do(t, http.MethodGet, "/api/v1/files", token, nil)
	os.Remove(filepath.Join(env.root, "a.csv"))

	rec := env.do(t, http.MethodPost, "/api/v1/archive", token,
		protocol.ArchiveRequest{Paths: []string{"a.csv", "sub/b.sql"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Archive-Members") != "1" || rec.Header().Get("X-Archive-Skipped") != "1" {
		t.Errorf("archive headers = %q / %q",
			rec.Header().Get("X-Archive-Members"), rec.Header().Get("X-Archive-Skipped"))
	}
}

func TestUnauthenticatedSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/session", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("session status = %d", rec.Code)
	}
	var resp protocol.SessionResponse
	decode(t, rec, &resp)
	if resp.Authenticated || resp.SessionToken == "" {
		t.Fatalf("session response = %+v", resp)
	}
	token := resp.SessionToken

	expectError(t, env.do(t, http.MethodGet, "/api/v1/files", token, nil),
		http.StatusUnauthorized, "not authenticated")
	expectError(t, env.do(t, http.MethodGet, "/api/v1/files/a.csv", token, nil),
		http.StatusUnauthorized, "not authenticated")
	expectError(t, env.do(t, http.MethodPost, "/api/v1/archive", token, protocol.ArchiveRequest{}),
		http.StatusUnauthorized, "not authenticated")

	rec = env.do(t, http.MethodGet, "/api/v1/auth/status", token, nil)
	decode(t, rec, &resp)
	if resp.Authenticated {
		t.Error("status reports authenticated")
	}

	// Logging in on the existing session keeps its identity.
	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", token, protocol.LoginRequest{Token: "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	if env.store.Count() != 1 {
		t.Errorf("Count = %d, want 1", env.store.Count())
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/files", token, nil); rec.Code != http.StatusOK {
		t.Errorf("list after login = %d", rec.Code)
	}
}

func TestMissingOrForgedToken(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, http.MethodGet, "/api/v1/files", "", nil),
		http.StatusUnauthorized, "not authenticated")

	forged, _ := auth.NewSessionTokens("other-secret", 0).Issue("whatever")
	rec := env.do(t, http.MethodGet, "/api/v1/files", forged, nil)
	expectError(t, rec, http.StatusUnauthorized, "not authenticated")
	if rec.Header().Get("Set-Cookie") == "" {
		t.Error("rejected token should clear the session cookie")
	}
}

func TestErrorCarriesClientRequestID(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set(logging.RequestIDHeader, "trace-7")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var resp protocol.ErrorResponse
	decode(t, rec, &resp)
	if rec.Code != http.StatusUnauthorized || resp.Details != "trace-7" {
		t.Errorf("status = %d, details = %q", rec.Code, resp.Details)
	}
}

func TestArchiveBadRequests(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	expectError(t, env.do(t, http.MethodPost, "/api/v1/archive", token, protocol.ArchiveRequest{}),
		http.StatusBadRequest, "no files selected")
	expectError(t, env.do(t, http.MethodPost, "/api/v1/archive", token, "not json"),
		http.StatusBadRequest, "invalid request body")
	expectError(t, env.do(t, http.MethodPost, "/api/v1/archive", token,
		protocol.ArchiveRequest{Paths: []string{"c.txt"}}),
		http.StatusNotFound, "c.txt")
}

func TestDownloadNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	for _, p := range []string{"c.txt", "missing.csv", "sub"} {
		expectError(t, env.do(t, http.MethodGet, "/api/v1/files/"+p, token, nil),
			http.StatusNotFound, "file not found")
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	expectError(t, env.do(t, http.MethodGet, "/api/v1/files", token, nil),
		http.StatusUnauthorized, "not authenticated")

	var resp protocol.SessionResponse
	decode(t, env.do(t, http.MethodGet, "/api/v1/auth/status", token, nil), &resp)
	if resp.Authenticated {
		t.Error("status after logout reports authenticated")
	}
}

func TestCookieAuthentication(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", protocol.LoginRequest{Token: "hello"})

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || !sessionCookie.HttpOnly {
		t.Fatalf("login did not set an HttpOnly session cookie: %v", rec.Result().Cookies())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.AddCookie(sessionCookie)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("list with cookie = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestListMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "gone")
	env := newTestEnvAt(t, root)
	token := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/v1/files", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list protocol.ListResponse
	decode(t, rec, &list)
	if list.RootAvailable {
		t.Error("root_available should be false")
	}
	if !strings.Contains(list.Message, root) {
		t.Errorf("message %q should name %s", list.Message, root)
	}
	if list.Files == nil || len(list.Files) != 0 {
		t.Errorf("files = %#v, want empty list", list.Files)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	authed := env.login(t)

	rec := env.do(t, http.MethodPost, "/api/v1/session", "", nil)
	var resp protocol.SessionResponse
	decode(t, rec, &resp)
	anon := resp.SessionToken

	if rec := env.do(t, http.MethodGet, "/api/v1/files", authed, nil); rec.Code != http.StatusOK {
		t.Errorf("authenticated session list = %d", rec.Code)
	}
	expectError(t, env.do(t, http.MethodGet, "/api/v1/files", anon, nil),
		http.StatusUnauthorized, "not authenticated")

	env.do(t, http.MethodPost, "/api/v1/auth/logout", anon, nil)
	if rec := env.do(t, http.MethodGet, "/api/v1/files", authed, nil); rec.Code != http.StatusOK {
		t.Errorf("other session's logout affected this one: %d", rec.Code)
	}
}

func TestListUnreadableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	env := newTestEnv(t)
	token := env.login(t)
	if err := os.Chmod(env.root, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(env.root, 0o755) })

	rec := env.do(t, http.MethodGet, "/api/v1/files", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list protocol.ListResponse
	decode(t, rec, &list)
	if list.RootAvailable || !strings.Contains(list.Message, env.root) {
		t.Errorf("root_available = %v, message = %q", list.RootAvailable, list.Message)
	}
}
