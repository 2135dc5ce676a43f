package portainer

import (
	"context"

	"go.uber.org/zap"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

// ControlPlane defines the operations the deployer needs from the control plane.
type ControlPlane interface {
	// ResolveEndpoint determines the target endpoint and its swarm.
	ResolveEndpoint(ctx context.Context) (domain.Endpoint, error)
	// FindStack returns the single stack with the given name on the endpoint,
	// or nil when there is none.
	FindStack(ctx context.Context, endpoint domain.Endpoint, name string) (*domain.RemoteStackRef, error)
	CreateStack(ctx context.Context, endpoint domain.Endpoint, stack domain.DesiredStack) (domain.RemoteStackRef, error)
	UpdateStack(ctx context.Context, endpoint domain.Endpoint, ref domain.RemoteStackRef, stack domain.DesiredStack) error
	DeleteStack(ctx context.Context, endpoint domain.Endpoint, ref domain.RemoteStackRef) error
}

// Client talks to the control plane API with one authenticated session.
type Client struct {
	transport *Transport
	session   *Session
	selector  domain.EndpointSelector
	prune     bool
	logger    *zap.Logger
}

// Ensure Client implements ControlPlane.
var _ ControlPlane = (*Client)(nil)

// ClientOptions configures a Client.
type ClientOptions struct {
	Endpoint domain.EndpointSelector
	// Prune removes services that are no longer part of the compose content on update.
	Prune  bool
	Logger *zap.Logger
}

// NewClient creates a new control plane client bound to session.
func NewClient(transport *Transport, session *Session, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		session:   session,
		selector:  opts.Endpoint,
		prune:     opts.Prune,
		logger:    logger,
	}
}
