package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
	"github.com/bcnelson/portainer-stack-deployer/internal/storage"
)

// Store is an in-memory implementation of the storage interface. History
// kept here lasts for the process only.
type Store struct {
	mu sync.RWMutex

	deployments map[string]*domain.Deployment // key: id
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		deployments: make(map[string]*domain.Deployment),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[deployment.ID]; exists {
		return domain.ErrAlreadyExists
	}
	copied := *deployment
	s.deployments[deployment.ID] = &copied
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deployment, ok := s.deployments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *deployment
	return &copied, nil
}

func (s *Store) ListDeployments(ctx context.Context, stackName string, limit int) ([]*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*domain.Deployment
	for _, d := range s.deployments {
		if d.StackName == stackName {
			copied := *d
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[deployment.ID]; !exists {
		return domain.ErrNotFound
	}
	copied := *deployment
	s.deployments[deployment.ID] = &copied
	return nil
}
