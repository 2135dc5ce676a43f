package domain

import "time"

// Deployment actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Deployment statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Deployment is a local record of one mutating call against the control plane.
type Deployment struct {
	ID            string     `json:"id" db:"id"`
	StackName     string     `json:"stackName" db:"stack_name"`
	EndpointID    int        `json:"endpointId" db:"endpoint_id"`
	Action        string     `json:"action" db:"action"`
	RemoteStackID int        `json:"remoteStackId" db:"remote_stack_id"`
	ContentSHA256 string     `json:"contentSha256" db:"content_sha256"`
	Status        string     `json:"status" db:"status"`
	Error         string     `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
}
