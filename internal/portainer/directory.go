package portainer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

type stackDTO struct {
	ID         *int    `json:"Id"`
	Name       *string `json:"Name"`
	EndpointID *int    `json:"EndpointId"`
}

type endpointDTO struct {
	ID   *int    `json:"Id"`
	Name *string `json:"Name"`
}

type swarmDTO struct {
	ID *string `json:"ID"`
}

func (d stackDTO) toRef(r Request, resp *Response) (domain.RemoteStackRef, error) {
	switch {
	case d.ID == nil:
		return domain.RemoteStackRef{}, shapeError(r, resp, "stack Id")
	case d.Name == nil:
		return domain.RemoteStackRef{}, shapeError(r, resp, "stack Name")
	case d.EndpointID == nil:
		return domain.RemoteStackRef{}, shapeError(r, resp, "stack EndpointId")
	}
	return domain.RemoteStackRef{ID: *d.ID, Name: *d.Name, EndpointID: *d.EndpointID}, nil
}

// ListStacks returns every stack visible to the session.
func (c *Client) ListStacks(ctx context.Context) ([]domain.RemoteStackRef, error) {
	req := Request{Method: http.MethodGet, Path: "/stacks", Session: c.session}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing stacks: %w", err)
	}

	var dtos []stackDTO
	if err := decodeJSON(req, resp, &dtos); err != nil {
		return nil, err
	}

	refs := make([]domain.RemoteStackRef, 0, len(dtos))
	for _, dto := range dtos {
		ref, err := dto.toRef(req, resp)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// FindStack looks up a stack by exact name on the endpoint. The listing is
// filtered here because the server-side filter also matches prefixes.
func (c *Client) FindStack(ctx context.Context, endpoint domain.Endpoint, name string) (*domain.RemoteStackRef, error) {
	stacks, err := c.ListStacks(ctx)
	if err != nil {
		return nil, err
	}
	ref, err := matchStack(stacks, endpoint.ID, name)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		c.logger.Debug("Found existing stack", zap.String("stack", name), zap.Int("stackId", ref.ID))
	}
	return ref, nil
}

// matchStack filters stacks for an exact, case-sensitive name match on one
// endpoint. More than one match is an error, never a pick.
func matchStack(stacks []domain.RemoteStackRef, endpointID int, name string) (*domain.RemoteStackRef, error) {
	var matches []domain.RemoteStackRef
	for _, s := range stacks {
		if s.Name == name && s.EndpointID == endpointID {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	default:
		ids := make([]int, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		sort.Ints(ids)
		return nil, &domain.AmbiguousStackError{Name: name, EndpointID: endpointID, IDs: ids}
	}
}

// ListEndpoints returns every endpoint visible to the session. Swarm IDs are
// not filled in.
func (c *Client) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	req := Request{Method: http.MethodGet, Path: "/endpoints", Session: c.session}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}

	var dtos []endpointDTO
	if err := decodeJSON(req, resp, &dtos); err != nil {
		return nil, err
	}

	endpoints := make([]domain.Endpoint, 0, len(dtos))
	for _, dto := range dtos {
		if dto.ID == nil {
			return nil, shapeError(req, resp, "endpoint Id")
		}
		ep := domain.Endpoint{ID: *dto.ID}
		if dto.Name != nil {
			ep.Name = *dto.Name
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// ResolveEndpoint selects the configured endpoint and looks up the swarm it
// manages. There is no fallback when nothing is configured.
func (c *Client) ResolveEndpoint(ctx context.Context) (domain.Endpoint, error) {
	if c.selector.IsZero() {
		return domain.Endpoint{}, &domain.EndpointResolutionError{Reason: "no endpoint configured"}
	}

	endpoints, err := c.ListEndpoints(ctx)
	if err != nil {
		return domain.Endpoint{}, err
	}
	endpoint, err := selectEndpoint(endpoints, c.selector)
	if err != nil {
		return domain.Endpoint{}, err
	}

	swarmID, err := c.swarmID(ctx, endpoint.ID)
	if err != nil {
		return domain.Endpoint{}, err
	}
	endpoint.SwarmID = swarmID

	c.logger.Debug("Resolved endpoint",
		zap.Int("endpointId", endpoint.ID),
		zap.String("endpoint", endpoint.Name),
		zap.String("swarmId", swarmID))
	return endpoint, nil
}

func (c *Client) swarmID(ctx context.Context, endpointID int) (string, error) {
	req := Request{
		Method:  http.MethodGet,
		Path:    "/endpoints/" + strconv.Itoa(endpointID) + "/docker/swarm",
		Session: c.session,
		ByID:    true,
	}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		// The docker API answers 503 on nodes that are not swarm managers.
		var apiErr *domain.APIError
		notSwarm := errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
		if notSwarm || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			return "", &domain.EndpointResolutionError{
				Selector: domain.EndpointSelector{ID: endpointID},
				Reason:   fmt.Sprintf("swarm lookup failed: %v", err),
			}
		}
		return "", fmt.Errorf("inspecting swarm of endpoint %d: %w", endpointID, err)
	}

	var body swarmDTO
	if err := decodeJSON(req, resp, &body); err != nil {
		return "", err
	}
	if body.ID == nil || *body.ID == "" {
		return "", &domain.EndpointResolutionError{
			Selector: domain.EndpointSelector{ID: endpointID},
			Reason:   "endpoint is not part of a swarm",
		}
	}
	return *body.ID, nil
}

// selectEndpoint picks the endpoint named by sel.
func selectEndpoint(endpoints []domain.Endpoint, sel domain.EndpointSelector) (domain.Endpoint, error) {
	if sel.IsZero() {
		return domain.Endpoint{}, &domain.EndpointResolutionError{Reason: "no endpoint configured"}
	}

	var matches []domain.Endpoint
	for _, ep := range endpoints {
		if (sel.ID != 0 && ep.ID == sel.ID) || (sel.ID == 0 && ep.Name == sel.Name) {
			matches = append(matches, ep)
		}
	}

	switch len(matches) {
	case 0:
		return domain.Endpoint{}, &domain.EndpointResolutionError{
			Selector: sel,
			Reason:   fmt.Sprintf("not found among %d visible endpoints", len(endpoints)),
		}
	case 1:
		return matches[0], nil
	default:
		return domain.Endpoint{}, &domain.EndpointResolutionError{
			Selector: sel,
			Reason:   fmt.Sprintf("%d endpoints share this name", len(matches)),
		}
	}
}
