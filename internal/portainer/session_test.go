package portainer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/portainer/portainertest"
)

func TestAuthenticate(t *testing.T) {
	srv := portainertest.NewServer(t)
	transport := newTestTransport(t, srv.URL)

	session, err := NewSessionManager(transport, portainertest.Username, portainertest.Password).Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !session.Valid() {
		t.Error("Expected a valid session")
	}
	expiry, ok := session.Expiry()
	if !ok {
		t.Fatal("Expected expiry to be read from the token")
	}
	if until := time.Until(expiry); until < 50*time.Minute || until > 61*time.Minute {
		t.Errorf("Expected expiry about an hour from now, got %s", until)
	}
	if session.BaseURL() != srv.URL+"/api" {
		t.Errorf("Expected base URL %s/api, got %s", srv.URL, session.BaseURL())
	}
}

func TestAuthenticateBadCredentials(t *testing.T) {
	srv := portainertest.NewServer(t)
	transport := newTestTransport(t, srv.URL)

	_, err := NewSessionManager(transport, portainertest.Username, "wrong").Authenticate(context.Background())
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("Expected ErrAuth, got %v", err)
	}
	if errors.Is(err, domain.ErrValidation) {
		t.Error("Bad credentials must not be reported as a validation error")
	}
	// Credentials are sent once
	if got := srv.Calls(http.MethodPost, "/api/auth"); got != 1 {
		t.Errorf("Expected 1 auth call, got %d", got)
	}
}

func TestAuthenticateServerError(t *testing.T) {
	srv := portainertest.NewServer(t)
	srv.FailNext(http.MethodPost, "/api/auth", http.StatusInternalServerError)
	transport := newTestTransport(t, srv.URL)

	_, err := NewSessionManager(transport, portainertest.Username, portainertest.Password).Authenticate(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token": "wrong-field"}`))
	}))
	defer srv.Close()

	transport := newTestTransport(t, srv.URL)
	_, err := NewSessionManager(transport, "u", "p").Authenticate(context.Background())
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestExpiredSessionFailsWithoutCalling(t *testing.T) {
	srv := portainertest.NewServer(t)
	srv.SetTokenTTL(-time.Minute)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})

	if client.session.Valid() {
		t.Fatal("Expected session to be expired")
	}

	_, err := client.ListStacks(context.Background())
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("Expected ErrAuth, got %v", err)
	}
	if got := srv.Calls(http.MethodGet, "/api/stacks"); got != 0 {
		t.Errorf("Expected no list call with an expired session, got %d", got)
	}
}

func TestRejectedTokenIsAuthError(t *testing.T) {
	srv := portainertest.NewServer(t)
	transport := newTestTransport(t, srv.URL)
	client := NewClient(transport, newSession(srv.URL, "forged"), ClientOptions{Endpoint: domain.EndpointSelector{ID: 1}})

	_, err := client.ListStacks(context.Background())
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("Expected ErrAuth, got %v", err)
	}
	// Authorization failures are not retried
	if got := srv.Calls(http.MethodGet, "/api/stacks"); got != 1 {
		t.Errorf("Expected 1 list call, got %d", got)
	}
}

func TestOpaqueTokenHasUnknownExpiry(t *testing.T) {
	session := newSession("https://portainer.example.com/api", "not-a-jwt")
	if _, ok := session.Expiry(); ok {
		t.Error("Expected expiry to be unknown")
	}
	if !session.Valid() {
		t.Error("Expected a session with unknown expiry to be valid")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stacks", nil)
	if err := session.authorize(req); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer not-a-jwt" {
		t.Errorf("Expected bearer header, got %q", got)
	}
}
