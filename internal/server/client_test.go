package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/psantana5/resident/pkg/worker"
)

func publicDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	public := filepath.Join(root, "public")
	if err := os.MkdirAll(filepath.Join(public, "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(public, "hello.txt"), []byte("hello from disk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	return public
}

func TestCanServeRequestAsStaticFile(t *testing.T) {
	client := NewHTTPClient(publicDir(t), false, quietLogger())

	tests := []struct {
		name   string
		method string
		path   string
		want   bool
	}{
		{"regular file", http.MethodGet, "/hello.txt", true},
		{"head", http.MethodHead, "/hello.txt", true},
		{"post", http.MethodPost, "/hello.txt", false},
		{"directory", http.MethodGet, "/css", false},
		{"trailing slash", http.MethodGet, "/css/", false},
		{"missing", http.MethodGet, "/nope.txt", false},
		{"traversal", http.MethodGet, "/../secret.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			req.URL.Path = tt.path
			rc := worker.NewRequestContext(httptest.NewRecorder())
			if got := client.CanServeRequestAsStaticFile(req, rc); got != tt.want {
				t.Errorf("CanServeRequestAsStaticFile(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestCanServeDisabledWithoutPublicDir(t *testing.T) {
	client := NewHTTPClient("", false, quietLogger())
	req := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
	if client.CanServeRequestAsStaticFile(req, worker.NewRequestContext(httptest.NewRecorder())) {
		t.Error("Static files should be disabled without a public dir")
	}
}

func TestServeStaticFileWithETag(t *testing.T) {
	client := NewHTTPClient(publicDir(t), false, quietLogger())
	ctx := context.Background()

	serve := func(header http.Header) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/hello.txt", nil)
		for k, v := range header {
			req.Header[k] = v
		}
		rc := worker.NewRequestContext(rec)
		if !client.CanServeRequestAsStaticFile(req, rc) {
			t.Fatal("Expected a static file")
		}
		if err := client.ServeStaticFile(ctx, req, rc); err != nil {
			t.Fatalf("ServeStaticFile failed: %v", err)
		}
		return rec
	}

	rec := serve(nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello from disk" {
		t.Fatalf("Got %d %q", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if len(etag) != 34 || !strings.HasPrefix(etag, `"`) {
		t.Fatalf("Unexpected ETag %q", etag)
	}

	rec = serve(http.Header{"If-None-Match": {etag}})
	if rec.Code != http.StatusNotModified {
		t.Errorf("Conditional request = %d, want 304", rec.Code)
	}
}

func TestRespondAndError(t *testing.T) {
	ctx := context.Background()

	rec := httptest.NewRecorder()
	rc := worker.NewRequestContext(rec)
	client := NewHTTPClient("", true, quietLogger())

	resp := worker.NewResponse(http.StatusCreated, "made")
	resp.Header.Set("X-App", "demo")
	if err := client.Respond(ctx, rc, resp); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != "made" || rec.Header().Get("X-App") != "demo" {
		t.Errorf("Unexpected response: %d %q %v", rec.Code, rec.Body.String(), rec.Header())
	}
	if rec.Header().Get("X-Request-Id") != rc.ID {
		t.Error("Missing request id header")
	}

	rec = httptest.NewRecorder()
	rc = worker.NewRequestContext(rec)
	client.Error(ctx, errors.New("database down"), nil, httptest.NewRequest("GET", "/", nil), rc)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "database down") {
		t.Errorf("Debug error response = %d %q", rec.Code, rec.Body.String())
	}
}
