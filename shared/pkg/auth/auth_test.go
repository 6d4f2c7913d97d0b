package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestVerify(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	hash, err := HashToken(token, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	v := NewVerifier(hash)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"Valid token", token, nil},
		{"Wrong token", "not-the-token", ErrInvalidToken},
		{"Empty token", "", ErrMissingToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Verify() = %v, want %v", err, tt.want)
			}
		})
	}

	if err := NewVerifier("").Verify(token); !errors.Is(err, ErrNoTokenHash) {
		t.Errorf("Verifier without hash: err = %v, want ErrNoTokenHash", err)
	}
}

func TestMiddleware(t *testing.T) {
	hash, _ := HashToken("secret", bcrypt.MinCost)
	handler := NewVerifier(hash).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"Valid", "Bearer secret", http.StatusAccepted},
		{"Wrong", "Bearer guess", http.StatusUnauthorized},
		{"Missing", "", http.StatusUnauthorized},
		{"Wrong scheme", "Basic secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/-/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("Status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	disabled := NewVerifier("").Middleware(http.NotFoundHandler())
	rr := httptest.NewRecorder()
	disabled.ServeHTTP(rr, httptest.NewRequest("POST", "/-/tasks", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Disabled admin: status = %d, want 403", rr.Code)
	}
}
