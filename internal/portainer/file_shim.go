package portainer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

// DefaultShimEndpoint is the endpoint a shim file starts with when it does
// not exist yet.
var DefaultShimEndpoint = domain.Endpoint{ID: 1, Name: "local", SwarmID: "file-shim-swarm"}

// ShimStack is a stack as stored by the file shim.
type ShimStack struct {
	domain.RemoteStackRef
	Content   string          `json:"content"`
	Env       []domain.EnvVar `json:"env,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type shimState struct {
	Endpoints []domain.Endpoint `json:"endpoints"`
	Stacks    []ShimStack       `json:"stacks"`
	NextID    int               `json:"nextId"`
}

// FileShim is a testing implementation that keeps stacks in a JSON file
// instead of calling the control plane.
type FileShim struct {
	filePath string
	selector domain.EndpointSelector
	logger   *zap.Logger
	mu       sync.Mutex
}

// Ensure FileShim implements ControlPlane.
var _ ControlPlane = (*FileShim)(nil)

// NewFileShim creates a new file-based shim for testing.
func NewFileShim(filePath string, selector domain.EndpointSelector, logger *zap.Logger) *FileShim {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileShim{
		filePath: filePath,
		selector: selector,
		logger:   logger.With(zap.String("shim", filePath)),
	}
}

func (f *FileShim) load() (*shimState, error) {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &shimState{Endpoints: []domain.Endpoint{DefaultShimEndpoint}, NextID: 1}, nil
		}
		return nil, fmt.Errorf("reading shim file: %w", err)
	}

	var state shimState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &domain.APIError{
			Kind:   domain.ErrValidation,
			Method: http.MethodGet,
			Path:   f.filePath,
			Err:    fmt.Errorf("parsing shim file: %w", err),
		}
	}
	if state.NextID < 1 {
		state.NextID = 1
	}
	for _, s := range state.Stacks {
		if s.ID >= state.NextID {
			state.NextID = s.ID + 1
		}
	}
	return &state, nil
}

func (f *FileShim) save(state *shimState) error {
	// Marshal with indentation for readability
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling shim state: %w", err)
	}
	if err := os.WriteFile(f.filePath, data, 0644); err != nil {
		return fmt.Errorf("writing shim file: %w", err)
	}
	return nil
}

// Stacks returns every stack stored in the shim file.
func (f *FileShim) Stacks(ctx context.Context) ([]ShimStack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	return state.Stacks, nil
}

// ResolveEndpoint selects the configured endpoint from the shim file.
func (f *FileShim) ResolveEndpoint(ctx context.Context) (domain.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return domain.Endpoint{}, err
	}
	endpoint, err := selectEndpoint(state.Endpoints, f.selector)
	if err != nil {
		return domain.Endpoint{}, err
	}
	if endpoint.SwarmID == "" {
		return domain.Endpoint{}, &domain.EndpointResolutionError{
			Selector: f.selector,
			Reason:   "endpoint is not part of a swarm",
		}
	}
	return endpoint, nil
}

// FindStack looks up a stack by exact name in the shim file.
func (f *FileShim) FindStack(ctx context.Context, endpoint domain.Endpoint, name string) (*domain.RemoteStackRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	refs := make([]domain.RemoteStackRef, len(state.Stacks))
	for i, s := range state.Stacks {
		refs[i] = s.RemoteStackRef
	}
	return matchStack(refs, endpoint.ID, name)
}

// CreateStack adds a stack to the shim file. A name already taken on the
// endpoint is a conflict, as it is for the real API.
func (f *FileShim) CreateStack(ctx context.Context, endpoint domain.Endpoint, stack domain.DesiredStack) (domain.RemoteStackRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return domain.RemoteStackRef{}, err
	}
	for _, s := range state.Stacks {
		if s.Name == stack.Name && s.EndpointID == endpoint.ID {
			return domain.RemoteStackRef{}, &domain.APIError{
				Kind:       domain.ErrConflict,
				Method:     http.MethodPost,
				Path:       f.filePath,
				StatusCode: http.StatusConflict,
				Message:    fmt.Sprintf("a stack named %q already exists", stack.Name),
			}
		}
	}

	ref := domain.RemoteStackRef{ID: state.NextID, Name: stack.Name, EndpointID: endpoint.ID}
	state.NextID++
	state.Stacks = append(state.Stacks, ShimStack{
		RemoteStackRef: ref,
		Content:        stack.ComposeContent,
		Env:            stack.Env,
		UpdatedAt:      time.Now(),
	})
	if err := f.save(state); err != nil {
		return domain.RemoteStackRef{}, err
	}

	f.logger.Info("Stack written to shim", zap.String("stack", ref.Name), zap.Int("stackId", ref.ID))
	return ref, nil
}

// UpdateStack replaces the content of a stack in the shim file.
func (f *FileShim) UpdateStack(ctx context.Context, endpoint domain.Endpoint, ref domain.RemoteStackRef, stack domain.DesiredStack) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return err
	}
	i := f.indexOf(state, ref.ID)
	if i < 0 {
		return f.notFound(http.MethodPut, ref)
	}
	state.Stacks[i].Content = stack.ComposeContent
	state.Stacks[i].Env = stack.Env
	state.Stacks[i].UpdatedAt = time.Now()
	if err := f.save(state); err != nil {
		return err
	}

	f.logger.Info("Stack updated in shim", zap.String("stack", ref.Name), zap.Int("stackId", ref.ID))
	return nil
}

// DeleteStack removes a stack from the shim file.
func (f *FileShim) DeleteStack(ctx context.Context, endpoint domain.Endpoint, ref domain.RemoteStackRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return err
	}
	i := f.indexOf(state, ref.ID)
	if i < 0 {
		return f.notFound(http.MethodDelete, ref)
	}
	state.Stacks = append(state.Stacks[:i], state.Stacks[i+1:]...)
	if err := f.save(state); err != nil {
		return err
	}

	f.logger.Info("Stack removed from shim", zap.String("stack", ref.Name), zap.Int("stackId", ref.ID))
	return nil
}

func (f *FileShim) indexOf(state *shimState, id int) int {
	for i, s := range state.Stacks {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (f *FileShim) notFound(method string, ref domain.RemoteStackRef) error {
	return &domain.APIError{
		Kind:       domain.ErrNotFound,
		Method:     method,
		Path:       f.filePath,
		StatusCode: http.StatusNotFound,
		Message:    fmt.Sprintf("stack %d does not exist", ref.ID),
	}
}
