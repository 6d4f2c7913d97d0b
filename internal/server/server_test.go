package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/resident/internal/application"
	"github.com/psantana5/resident/internal/config"
	"github.com/psantana5/resident/pkg/auth"
	"github.com/psantana5/resident/pkg/codec"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/taskqueue"
)

func quietLogger() *logging.Logger {
	logger := logging.NewLogger(logging.FATAL, false)
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load(config.NewViper(""))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.Workers.Count = 2
	cfg.Workers.TickInterval = time.Hour
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()

	tasks := taskqueue.NewRegistry()
	application.RegisterTasks(tasks)

	s, err := New(cfg, quietLogger(), application.NewBuilder(), tasks)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Pool().Start(context.Background()); err != nil {
		t.Fatalf("Pool start failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Pool().Stop(context.Background())
		s.Store().Close()
	})
	return s, ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestApplicationRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Debug = true
	_, ts := startServer(t, cfg)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/", http.StatusOK, "OK"},
		{"/hello/ada", http.StatusOK, "Hello, ada!"},
		{"/counter", http.StatusOK, "2"},
		{"/fail", http.StatusInternalServerError, "requested failure"},
		{"/panic", http.StatusInternalServerError, "requested panic"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := get(t, ts.URL+tt.path)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("Body = %q, want it to contain %q", body, tt.wantBody)
			}
			if resp.Header.Get("X-Request-Id") == "" {
				t.Error("Missing X-Request-Id")
			}
		})
	}
}

func TestErrorHidesDetailsOutsideDebug(t *testing.T) {
	_, ts := startServer(t, testConfig(t))

	resp, body := get(t, ts.URL+"/fail")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500", resp.StatusCode)
	}
	if strings.Contains(body, "requested failure") {
		t.Errorf("Error details leaked: %q", body)
	}
}

func TestHealthAndStatus(t *testing.T) {
	s, ts := startServer(t, testConfig(t))
	s.startedAt = time.Now()

	resp, body := get(t, ts.URL+"/-/health")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "healthy") {
		t.Errorf("Health = %d %q", resp.StatusCode, body)
	}

	get(t, ts.URL+"/")

	resp, body = get(t, ts.URL+"/-/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status endpoint = %d", resp.StatusCode)
	}
	var report StatusReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		t.Fatalf("Invalid status body: %v", err)
	}
	if len(report.Workers) != 2 {
		t.Fatalf("Expected 2 workers, got %d", len(report.Workers))
	}
	var requests uint64
	for _, w := range report.Workers {
		if !w.Booted || w.Generation != 1 {
			t.Errorf("Unexpected worker status: %+v", w)
		}
		requests += w.Stats.Requests
	}
	if requests != 1 {
		t.Errorf("Workers handled %d requests, want 1", requests)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := startServer(t, testConfig(t))

	get(t, ts.URL+"/")
	resp, body := get(t, ts.URL+"/-/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Metrics = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`resident_units_total{kind="request",outcome="success"} 1`,
		"resident_workers_booted 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Metrics missing %q", want)
		}
	}
}

func TestTaskEndpoints(t *testing.T) {
	token := "test-admin-token"
	hash, err := auth.HashToken(token, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}

	cfg := testConfig(t)
	cfg.Admin.TokenHash = hash
	s, ts := startServer(t, cfg)

	post := func(bearer, body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/-/tasks", strings.NewReader(body))
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		return resp
	}

	t.Run("Unauthorized", func(t *testing.T) {
		resp := post("", `{"name":"sum"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Status = %d, want 401", resp.StatusCode)
		}
		resp = post("wrong", `{"name":"sum"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("UnknownTask", func(t *testing.T) {
		resp := post(token, `{"name":"missing"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("EnqueueAndDrain", func(t *testing.T) {
		resp := post(token, `{"name":"sum","payload":{"numbers":[1,2,3]}}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("Status = %d, want 202", resp.StatusCode)
		}
		var created struct {
			ID      string          `json:"id"`
			Status  string          `json:"status"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			t.Fatalf("Invalid body: %v", err)
		}
		if created.Status != "queued" || !bytes.Contains(created.Payload, []byte(`"numbers"`)) {
			t.Errorf("Unexpected task: %+v", created)
		}

		ran, err := s.drainer.DrainOnce(context.Background())
		if err != nil || ran != 1 {
			t.Fatalf("DrainOnce = %d, %v", ran, err)
		}

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/-/tasks/"+created.ID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		got, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET task failed: %v", err)
		}
		defer got.Body.Close()
		var task struct {
			Status string          `json:"status"`
			Result json.RawMessage `json:"result"`
		}
		json.NewDecoder(got.Body).Decode(&task)
		if task.Status != "completed" {
			t.Errorf("Status = %q, want completed", task.Status)
		}
		if !bytes.Contains(task.Result, []byte(`"total":6`)) {
			t.Errorf("Result = %s, want total 6", task.Result)
		}
	})

	t.Run("List", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/-/tasks?status=completed", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		var list struct {
			Count int `json:"count"`
		}
		json.NewDecoder(resp.Body).Decode(&list)
		if list.Count != 1 {
			t.Errorf("Count = %d, want 1", list.Count)
		}
	})
}

func TestTaskEndpointsDisabledWithoutToken(t *testing.T) {
	_, ts := startServer(t, testConfig(t))

	resp, err := http.Post(ts.URL+"/-/tasks", "application/json", strings.NewReader(`{"name":"sum"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RPS = 0.001
	cfg.Server.RateLimit.Burst = 1
	_, ts := startServer(t, cfg)

	if resp, _ := get(t, ts.URL+"/"); resp.StatusCode != http.StatusOK {
		t.Fatalf("First request = %d, want 200", resp.StatusCode)
	}
	if resp, _ := get(t, ts.URL+"/"); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Second request = %d, want 429", resp.StatusCode)
	}
	if resp, _ := get(t, ts.URL+"/-/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("Admin endpoints should not be rate limited, got %d", resp.StatusCode)
	}
}

func TestRenderDocument(t *testing.T) {
	plain, err := codec.Marshal(map[string]any{"total": 6})
	if err != nil {
		t.Fatal(err)
	}
	got, err := renderDocument(plain)
	if err != nil || string(got) != `{"total":6}` {
		t.Errorf("renderDocument = %s, %v", got, err)
	}

	intKeys, err := codec.Marshal(map[int]string{1: "a"})
	if err != nil {
		t.Fatal(err)
	}
	got, err = renderDocument(intKeys)
	if err != nil {
		t.Fatalf("renderDocument failed: %v", err)
	}
	if string(got) != `"{1: \"a\"}"` {
		t.Errorf("renderDocument = %s, want diagnostic notation", got)
	}

	if _, err := renderDocument([]byte{0xff, 0x00}); err == nil {
		t.Error("Expected an error for malformed CBOR")
	}
}
