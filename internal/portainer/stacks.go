package portainer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

// stackTypeSwarm is the control plane's stack type for swarm stacks.
const stackTypeSwarm = 1

type createStackRequest struct {
	Name             string          `json:"Name"`
	SwarmID          string          `json:"SwarmID"`
	StackFileContent string          `json:"StackFileContent"`
	Env              []domain.EnvVar `json:"Env"`
}

type updateStackRequest struct {
	StackFileContent string          `json:"StackFileContent"`
	Env              []domain.EnvVar `json:"Env"`
	Prune            bool            `json:"Prune"`
}

func endpointQuery(endpointID int) url.Values {
	return url.Values{"endpointId": {strconv.Itoa(endpointID)}}
}

func envOrEmpty(env []domain.EnvVar) []domain.EnvVar {
	if env == nil {
		return []domain.EnvVar{}
	}
	return env
}

// CreateStack creates a swarm stack from compose content. It is never retried.
func (c *Client) CreateStack(ctx context.Context, endpoint domain.Endpoint, stack domain.DesiredStack) (domain.RemoteStackRef, error) {
	if endpoint.ID == 0 || endpoint.SwarmID == "" {
		return domain.RemoteStackRef{}, &domain.EndpointResolutionError{
			Selector: domain.EndpointSelector{ID: endpoint.ID},
			Reason:   "endpoint or swarm id missing",
		}
	}

	query := endpointQuery(endpoint.ID)
	query.Set("type", strconv.Itoa(stackTypeSwarm))
	query.Set("method", "string")

	req := Request{
		Method:  http.MethodPost,
		Path:    "/stacks",
		Query:   query,
		Session: c.session,
		Body: createStackRequest{
			Name:             stack.Name,
			SwarmID:          endpoint.SwarmID,
			StackFileContent: stack.ComposeContent,
			Env:              envOrEmpty(stack.Env),
		},
	}
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return domain.RemoteStackRef{}, fmt.Errorf("creating stack %q: %w", stack.Name, err)
	}

	var dto stackDTO
	if err := decodeJSON(req, resp, &dto); err != nil {
		return domain.RemoteStackRef{}, err
	}
	if dto.ID == nil {
		return domain.RemoteStackRef{}, shapeError(req, resp, "stack Id")
	}

	ref := domain.RemoteStackRef{ID: *dto.ID, Name: stack.Name, EndpointID: endpoint.ID}
	if dto.Name != nil {
		ref.Name = *dto.Name
	}
	if dto.EndpointID != nil {
		ref.EndpointID = *dto.EndpointID
	}
	return ref, nil
}

// UpdateStack replaces the compose content of an existing stack wholesale.
func (c *Client) UpdateStack(ctx context.Context, endpoint domain.Endpoint, ref domain.RemoteStackRef, stack domain.DesiredStack) error {
	req := Request{
		Method:  http.MethodPut,
		Path:    "/stacks/" + strconv.Itoa(ref.ID),
		Query:   endpointQuery(endpoint.ID),
		Session: c.session,
		ByID:    true,
		Body: updateStackRequest{
			StackFileContent: stack.ComposeContent,
			Env:              envOrEmpty(stack.Env),
			Prune:            c.prune,
		},
	}
	if _, err := c.transport.Do(ctx, req); err != nil {
		return fmt.Errorf("updating stack %q (id %d): %w", ref.Name, ref.ID, err)
	}
	return nil
}

// DeleteStack deletes an existing stack.
func (c *Client) DeleteStack(ctx context.Context, endpoint domain.Endpoint, ref domain.RemoteStackRef) error {
	req := Request{
		Method:  http.MethodDelete,
		Path:    "/stacks/" + strconv.Itoa(ref.ID),
		Query:   endpointQuery(endpoint.ID),
		Session: c.session,
		ByID:    true,
	}
	if _, err := c.transport.Do(ctx, req); err != nil {
		return fmt.Errorf("deleting stack %q (id %d): %w", ref.Name, ref.ID, err)
	}
	return nil
}
