package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/zeebo/blake3"

	"github.com/psantana5/resident/pkg/container"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/worker"
)

const staticPathKey = "static.path"

type etagEntry struct {
	modTime time.Time
	size    int64
	etag    string
}

// HTTPClient answers requests through the http.ResponseWriter carried in
// the request context and serves files from a public directory
type HTTPClient struct {
	publicDir string
	debug     bool
	logger    *logging.Logger

	mu    sync.Mutex
	etags map[string]etagEntry
}

var (
	_ worker.Client           = (*HTTPClient)(nil)
	_ worker.StaticFileServer = (*HTTPClient)(nil)
)

// NewHTTPClient creates a client. An empty publicDir disables static files.
func NewHTTPClient(publicDir string, debug bool, logger *logging.Logger) *HTTPClient {
	return &HTTPClient{
		publicDir: publicDir,
		debug:     debug,
		logger:    logger,
		etags:     make(map[string]etagEntry),
	}
}

// Respond writes resp to the request's response writer
func (c *HTTPClient) Respond(ctx context.Context, rc *worker.RequestContext, resp *worker.Response) error {
	w := rc.Writer
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Request-Id", rc.ID)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// Error writes a 500 response. In debug mode the error text is included.
func (c *HTTPClient) Error(ctx context.Context, err error, app *container.Container, req *http.Request, rc *worker.RequestContext) error {
	message := http.StatusText(http.StatusInternalServerError)
	if c.debug {
		message = fmt.Sprintf("%s: %v", message, err)
	}

	rc.Writer.Header().Set("X-Request-Id", rc.ID)
	http.Error(rc.Writer, message, http.StatusInternalServerError)
	return nil
}

// CanServeRequestAsStaticFile reports whether req names a regular file under
// the public directory
func (c *HTTPClient) CanServeRequestAsStaticFile(req *http.Request, rc *worker.RequestContext) bool {
	if c.publicDir == "" {
		return false
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if req.URL.Path == "" || strings.HasSuffix(req.URL.Path, "/") {
		return false
	}

	path, err := securejoin.SecureJoin(c.publicDir, req.URL.Path)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	rc.Values[staticPathKey] = path
	return true
}

// ServeStaticFile serves the file found by CanServeRequestAsStaticFile
func (c *HTTPClient) ServeStaticFile(ctx context.Context, req *http.Request, rc *worker.RequestContext) error {
	path, ok := rc.Values[staticPathKey].(string)
	if !ok {
		return errors.New("no static file resolved for request")
	}

	f, err := os.Open(path)
	if err != nil {
		http.NotFound(rc.Writer, req)
		return fmt.Errorf("failed to open static file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat static file: %w", err)
	}

	etag, err := c.etag(path, info, f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind static file: %w", err)
	}

	rc.Writer.Header().Set("ETag", etag)
	http.ServeContent(rc.Writer, req, info.Name(), info.ModTime(), f)
	return nil
}

// etag returns the quoted blake3 digest of the file, cached until its size
// or modification time changes
func (c *HTTPClient) etag(path string, info os.FileInfo, r io.Reader) (string, error) {
	c.mu.Lock()
	entry, ok := c.etags[path]
	c.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.etag, nil
	}

	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash static file: %w", err)
	}
	etag := `"` + hex.EncodeToString(hasher.Sum(nil)[:16]) + `"`

	c.mu.Lock()
	c.etags[path] = etagEntry{modTime: info.ModTime(), size: info.Size(), etag: etag}
	c.mu.Unlock()
	return etag, nil
}
