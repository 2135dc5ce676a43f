package portainer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/portainer/portainertest"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		byID   bool
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, false, domain.ErrAuth},
		{"forbidden", http.StatusForbidden, true, domain.ErrAuth},
		{"not found by id", http.StatusNotFound, true, domain.ErrNotFound},
		{"not found listing", http.StatusNotFound, false, domain.ErrTransport},
		{"conflict", http.StatusConflict, false, domain.ErrConflict},
		{"bad request", http.StatusBadRequest, false, domain.ErrValidation},
		{"unprocessable", http.StatusUnprocessableEntity, true, domain.ErrValidation},
		{"server error", http.StatusInternalServerError, false, domain.ErrTransport},
		{"bad gateway", http.StatusBadGateway, true, domain.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatus(tt.status, tt.byID); got != tt.want {
				t.Errorf("classifyStatus(%d, %v) = %v, want %v", tt.status, tt.byID, got, tt.want)
			}
		})
	}
}

func TestNewTransportBaseURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"https://portainer.example.com", "https://portainer.example.com/api/stacks", false},
		{"https://portainer.example.com/", "https://portainer.example.com/api/stacks", false},
		{"https://portainer.example.com/api", "https://portainer.example.com/api/stacks", false},
		{"https://example.com/portainer", "https://example.com/portainer/api/stacks", false},
		{"portainer.example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			transport, err := NewTransport(Options{BaseURL: tt.base})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTransport(%q) error = %v, wantErr %v", tt.base, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := transport.endpoint("/stacks", nil); got != tt.want {
				t.Errorf("endpoint = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewTransportMissingCACert(t *testing.T) {
	_, err := NewTransport(Options{BaseURL: "https://portainer.example.com", CACert: "/nonexistent/ca.pem"})
	if err == nil {
		t.Error("Expected error for missing CA bundle")
	}
}

func TestReadsAreRetried(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})
	srv.AddStack("web", 1, "services: {}")
	srv.FailNext(http.MethodGet, "/api/stacks", http.StatusBadGateway, http.StatusServiceUnavailable)

	stacks, err := client.ListStacks(context.Background())
	if err != nil {
		t.Fatalf("ListStacks failed: %v", err)
	}
	if len(stacks) != 1 {
		t.Errorf("Expected 1 stack, got %d", len(stacks))
	}
	if got := srv.Calls(http.MethodGet, "/api/stacks"); got != 3 {
		t.Errorf("Expected 3 list calls, got %d", got)
	}
}

func TestReadRetriesAreBounded(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})
	srv.FailNext(http.MethodGet, "/api/stacks", 500, 500, 500, 500, 500, 500)

	_, err := client.ListStacks(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	// One attempt plus three retries
	if got := srv.Calls(http.MethodGet, "/api/stacks"); got != 4 {
		t.Errorf("Expected 4 list calls, got %d", got)
	}

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Errorf("Expected APIError with status 500, got %v", err)
	}
	if !strings.Contains(err.Error(), "injected failure") {
		t.Errorf("Expected remote message in error, got %q", err.Error())
	}
}

func TestMutationsAreNotRetried(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})
	srv.FailNext(http.MethodPost, "/api/stacks", http.StatusBadGateway)

	endpoint := domain.Endpoint{ID: 1, SwarmID: "swarm-primary"}
	_, err := client.CreateStack(context.Background(), endpoint, domain.DesiredStack{Name: "web", ComposeContent: "services: {}"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if got := srv.Calls(http.MethodPost, "/api/stacks"); got != 1 {
		t.Errorf("Expected exactly 1 create call, got %d", got)
	}
	if len(srv.StacksNamed("web")) != 0 {
		t.Error("Expected no stack to be created")
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	srv := portainertest.NewServer(t)
	client := newTestClient(t, srv, domain.EndpointSelector{ID: 1})
	srv.FailNext(http.MethodGet, "/api/stacks", http.StatusBadRequest)

	_, err := client.ListStacks(context.Background())
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if got := srv.Calls(http.MethodGet, "/api/stacks"); got != 1 {
		t.Errorf("Expected 1 list call, got %d", got)
	}
}

func TestReadTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport, err := NewTransport(Options{
		BaseURL:      srv.URL,
		Timeout:      20 * time.Millisecond,
		ReadRetries:  1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}

	_, err = transport.Do(context.Background(), Request{Method: http.MethodGet, Path: "/stacks"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestRefusedConnectionIsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	transport, err := NewTransport(Options{
		BaseURL:      "http://" + addr,
		Timeout:      time.Second,
		ReadRetries:  2,
		RetryBackoff: time.Millisecond,
		Logger:       zap.New(core),
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}

	_, err = transport.Do(context.Background(), Request{Method: http.MethodGet, Path: "/stacks"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if got := logs.FilterMessage("Retrying read after transient failure").Len(); got != 3 {
		t.Errorf("Expected 3 transient attempts, got %d", got)
	}
}

func TestCancelBetweenRetriesKeepsClassification(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Entries are logged once an attempt has completed, so cancelling from a
	// hook lands between attempts.
	core, _ := observer.New(zapcore.DebugLevel)
	logger := zap.New(core, zap.Hooks(func(zapcore.Entry) error {
		cancel()
		return nil
	}))

	transport, err := NewTransport(Options{
		BaseURL:      srv.URL,
		Timeout:      time.Second,
		ReadRetries:  3,
		RetryBackoff: time.Hour,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}

	_, err = transport.Do(ctx, Request{Method: http.MethodGet, Path: "/stacks"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled to stay reachable, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
}

func TestMalformedResponseIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stacks": "not a list"}`))
	}))
	defer srv.Close()

	transport := newTestTransport(t, srv.URL)
	client := NewClient(transport, newSession(srv.URL, "opaque"), ClientOptions{})

	_, err := client.ListStacks(context.Background())
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestMissingFieldIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Id": 1, "Name": "web"}]`))
	}))
	defer srv.Close()

	transport := newTestTransport(t, srv.URL)
	client := NewClient(transport, newSession(srv.URL, "opaque"), ClientOptions{})

	_, err := client.ListStacks(context.Background())
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "EndpointId") {
		t.Errorf("Expected missing field to be named, got %q", err.Error())
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"Invalid credentials","details":"Invalid credentials"}`, "Invalid credentials"},
		{`{"message":"Unable to deploy","details":"network not found"}`, "Unable to deploy: network not found"},
		{`{"details":"only details"}`, "only details"},
		{`<html>bad gateway</html>`, ""},
	}

	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
