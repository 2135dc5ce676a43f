package portainer

import (
	"context"
	"testing"
	"time"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/portainer/portainertest"
)

func newTestTransport(t *testing.T, baseURL string) *Transport {
	t.Helper()
	transport, err := NewTransport(Options{
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		ReadRetries:  3,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	return transport
}

func newTestClient(t *testing.T, srv *portainertest.Server, sel domain.EndpointSelector) *Client {
	t.Helper()
	transport := newTestTransport(t, srv.URL)
	session, err := NewSessionManager(transport, portainertest.Username, portainertest.Password).Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	return NewClient(transport, session, ClientOptions{Endpoint: sel, Prune: true})
}
