package domain

// DesiredStack is the stack an invocation wants to converge the control plane to.
// The compose content is opaque and passed through untouched.
type DesiredStack struct {
	Name           string
	ComposeContent string
	// Env is forwarded to the control plane as stack environment variables.
	Env []EnvVar
}

// EnvVar is a single stack environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RemoteStackRef identifies a stack that exists on the control plane.
// It is discovered from the control plane, never constructed from input.
type RemoteStackRef struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	EndpointID int    `json:"endpointId"`
}

// Endpoint is the cluster a stack is attached to, along with the swarm
// identifier the control plane requires for placement.
type Endpoint struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	SwarmID string `json:"swarmId"`
}

// EndpointSelector is the configured way of picking the target endpoint.
// Exactly one of ID or Name is expected to be set.
type EndpointSelector struct {
	ID   int
	Name string
}

// IsZero reports whether no endpoint was configured.
func (s EndpointSelector) IsZero() bool {
	return s.ID == 0 && s.Name == ""
}
