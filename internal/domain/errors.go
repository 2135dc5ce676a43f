package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error classes. Every error returned by a reconciliation matches one of
// these with errors.Is.
var (
	ErrAuth               = errors.New("authentication failed")
	ErrDirectory          = errors.New("unexpected remote stack state")
	ErrAmbiguousStack     = errors.New("ambiguous stack name")
	ErrEndpointResolution = errors.New("endpoint resolution failed")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrTransport          = errors.New("transport error")
	ErrNotFound           = errors.New("not found")
)

// ErrAlreadyExists is returned by storage when a record id is reused.
var ErrAlreadyExists = errors.New("already exists")

// APIError describes a failed call to the control plane.
type APIError struct {
	Kind       error
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Method)
	b.WriteByte(' ')
	b.WriteString(e.Path)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		b.WriteString(" (HTTP ")
		b.WriteString(strconv.Itoa(e.StatusCode))
		b.WriteByte(')')
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Body != "":
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the classification and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AmbiguousStackError is returned when more than one remote stack carries the
// desired name within one endpoint.
type AmbiguousStackError struct {
	Name       string
	EndpointID int
	IDs        []int
}

// Error implements the error interface.
func (e *AmbiguousStackError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("%s: %d stacks named %q on endpoint %d (ids %s)",
		ErrAmbiguousStack, len(e.IDs), e.Name, e.EndpointID, strings.Join(ids, ", "))
}

// Is matches ErrAmbiguousStack and ErrDirectory.
func (e *AmbiguousStackError) Is(target error) bool {
	return target == ErrAmbiguousStack || target == ErrDirectory
}

// EndpointResolutionError is returned when the target endpoint or its swarm
// cannot be determined.
type EndpointResolutionError struct {
	Selector EndpointSelector
	Reason   string
}

// Error implements the error interface.
func (e *EndpointResolutionError) Error() string {
	target := "<unset>"
	switch {
	case e.Selector.ID != 0:
		target = "id " + strconv.Itoa(e.Selector.ID)
	case e.Selector.Name != "":
		target = "name " + strconv.Quote(e.Selector.Name)
	}
	return fmt.Sprintf("%s: endpoint %s: %s", ErrEndpointResolution, target, e.Reason)
}

// Is matches ErrEndpointResolution.
func (e *EndpointResolutionError) Is(target error) bool {
	return target == ErrEndpointResolution
}
