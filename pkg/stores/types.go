package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SchemaVersion is the persisted-state schema version this build reads and
// writes. Deployments recorded with any other version are rejected on load
// rather than silently misinterpreted.
const SchemaVersion = 1

// DeploymentStatus represents the status of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusCompleted DeploymentStatus = "completed"
	DeploymentStatusFailed    DeploymentStatus = "failed"
)

// StepStatus represents the status of a single deployment step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Sentinel errors surfaced by the store.
var (
	// ErrNotFound is returned when a deployment or step does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoPendingSteps is returned by NextPendingStep when every step of
	// the deployment is completed.
	ErrNoPendingSteps = errors.New("no pending steps")

	// ErrSchemaVersion is returned when a persisted deployment was written
	// by an unrecognized schema version.
	ErrSchemaVersion = errors.New("unsupported state schema version")

	// ErrStepConflict is returned when a second step would enter
	// in_progress while another is already in flight.
	ErrStepConflict = errors.New("another step is already in progress")
)

// Deployment is the aggregate root for one provisioning run.
type Deployment struct {
	ID            string           `json:"id"`
	ProjectID     string           `json:"project_id"`
	Region        string           `json:"region"`
	Config        json.RawMessage  `json:"config"`
	SchemaVersion int              `json:"schema_version"`
	Status        DeploymentStatus `json:"status"`

	// Steps in declared order; insertion order is execution order.
	Steps []Step `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one named unit of work in the fixed pipeline.
type Step struct {
	DeploymentID string     `json:"deployment_id"`
	Name         string     `json:"name"`
	Position     int        `json:"position"`
	Status       StepStatus `json:"status"`

	// Resources holds the key/value outputs produced by the step's
	// handler. Once a step is completed the map is only ever merged into,
	// never cleared.
	Resources map[string]string `json:"resources"`

	Error    *string `json:"error,omitempty"`
	Attempts int     `json:"attempts"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepUpdate is a partial update merged into a persisted step.
type StepUpdate struct {
	Status            *StepStatus
	Error             *string
	IncrementAttempts bool
}

// MergedResources flattens the resource outputs of all completed steps, in
// step order, into a single map.
func (d *Deployment) MergedResources() map[string]string {
	merged := make(map[string]string)
	for _, s := range d.Steps {
		if s.Status != StepStatusCompleted {
			continue
		}
		for k, v := range s.Resources {
			merged[k] = v
		}
	}
	return merged
}

// StepByName returns the named step, or nil.
func (d *Deployment) StepByName(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// Store defines the persistence contract for deployment state. The engine
// treats store failures as fatal, never retryable.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Deployment operations
	CreateDeployment(ctx context.Context, projectID, region string, cfg json.RawMessage, stepNames []string) (*Deployment, error)
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	FindByProject(ctx context.Context, projectID string) (*Deployment, error)
	SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus) error
	ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error)

	// Step operations. NextPendingStep is the sole scheduling authority:
	// it returns the earliest-declared step whose status is not completed.
	NextPendingStep(ctx context.Context, deploymentID string) (string, error)
	UpdateStep(ctx context.Context, deploymentID, name string, update StepUpdate) error
	UpdateStepResource(ctx context.Context, deploymentID, name, key, value string) error
}
