package domain

import "fmt"

// OutcomeKind is the terminal state of one reconciliation.
type OutcomeKind string

const (
	OutcomeCreated          OutcomeKind = "created"
	OutcomeUpdated          OutcomeKind = "updated"
	OutcomeRemoved          OutcomeKind = "removed"
	OutcomeRemovedThenReady OutcomeKind = "removed_then_ready"
	OutcomeNoOpAbsent       OutcomeKind = "noop_absent"
)

// Outcome is returned by a successful reconciliation. StackID is zero for
// NoOpAbsent.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	StackName string      `json:"stackName"`
	StackID   int         `json:"stackId,omitempty"`
}

// Created builds a Created outcome.
func Created(name string, id int) Outcome {
	return Outcome{Kind: OutcomeCreated, StackName: name, StackID: id}
}

// Updated builds an Updated outcome.
func Updated(name string, id int) Outcome {
	return Outcome{Kind: OutcomeUpdated, StackName: name, StackID: id}
}

// Removed builds a Removed outcome.
func Removed(name string, id int) Outcome {
	return Outcome{Kind: OutcomeRemoved, StackName: name, StackID: id}
}

// RemovedThenReady builds the outcome of a remove followed by a fresh deploy.
// The id is the one of the newly created stack.
func RemovedThenReady(name string, id int) Outcome {
	return Outcome{Kind: OutcomeRemovedThenReady, StackName: name, StackID: id}
}

// NoOpAbsent builds the outcome of removing a stack that does not exist.
func NoOpAbsent(name string) Outcome {
	return Outcome{Kind: OutcomeNoOpAbsent, StackName: name}
}

// String renders the outcome for humans.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeCreated:
		return fmt.Sprintf("stack %q created (id %d)", o.StackName, o.StackID)
	case OutcomeUpdated:
		return fmt.Sprintf("stack %q updated (id %d)", o.StackName, o.StackID)
	case OutcomeRemoved:
		return fmt.Sprintf("stack %q removed (id %d)", o.StackName, o.StackID)
	case OutcomeRemovedThenReady:
		return fmt.Sprintf("stack %q removed and deployed again (id %d)", o.StackName, o.StackID)
	case OutcomeNoOpAbsent:
		return fmt.Sprintf("stack %q is not deployed, nothing to remove", o.StackName)
	default:
		return fmt.Sprintf("stack %q: %s", o.StackName, o.Kind)
	}
}
