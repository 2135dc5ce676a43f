package storage

import (
	"context"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

// Storage defines the interface for the deployment history store.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	// ListDeployments returns the most recent deployments of a stack, newest first.
	ListDeployments(ctx context.Context, stackName string, limit int) ([]*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
}
