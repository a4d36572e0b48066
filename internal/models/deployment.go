package models

import "time"

// DeploymentStatus represents the current state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending           DeploymentStatus = "pending"
	DeploymentStatusQueued            DeploymentStatus = "queued"
	DeploymentStatusPullingImage      DeploymentStatus = "pulling_image"
	DeploymentStatusCreatingContainer DeploymentStatus = "creating_container"
	DeploymentStatusConfiguring       DeploymentStatus = "configuring"
	DeploymentStatusStarting          DeploymentStatus = "starting"
	DeploymentStatusRunning           DeploymentStatus = "running"
	DeploymentStatusCompleted         DeploymentStatus = "completed"
	DeploymentStatusRollingBack       DeploymentStatus = "rolling_back"
	DeploymentStatusRolledBack        DeploymentStatus = "rolled_back"
	DeploymentStatusFailed            DeploymentStatus = "failed"
	DeploymentStatusCancelled         DeploymentStatus = "cancelled"
)

// AllDeploymentStatuses lists every status value, in forward order first.
var AllDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusPending,
	DeploymentStatusQueued,
	DeploymentStatusPullingImage,
	DeploymentStatusCreatingContainer,
	DeploymentStatusConfiguring,
	DeploymentStatusStarting,
	DeploymentStatusRunning,
	DeploymentStatusCompleted,
	DeploymentStatusRollingBack,
	DeploymentStatusRolledBack,
	DeploymentStatusFailed,
	DeploymentStatusCancelled,
}

// forwardOrdinals orders the forward progression states. Higher ordinal means
// further along the install. Terminal and rollback states are not forward
// states and have no ordinal.
var forwardOrdinals = map[DeploymentStatus]int{
	DeploymentStatusPending:           0,
	DeploymentStatusQueued:            1,
	DeploymentStatusPullingImage:      2,
	DeploymentStatusCreatingContainer: 3,
	DeploymentStatusConfiguring:       4,
	DeploymentStatusStarting:          5,
	DeploymentStatusRunning:           6,
}

// IsTerminal reports whether no further automatic progression occurs from s.
// Completed is terminal for the forward progression but may still enter the
// rollback branch via CanTransition.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusCompleted, DeploymentStatusFailed,
		DeploymentStatusRolledBack, DeploymentStatusCancelled:
		return true
	}
	return false
}

// IsForward reports whether s is part of the forward install progression.
func (s DeploymentStatus) IsForward() bool {
	_, ok := forwardOrdinals[s]
	return ok
}

// ForwardOrdinal returns the position of s in the forward progression and
// whether s is a forward state at all.
func (s DeploymentStatus) ForwardOrdinal() (int, bool) {
	ord, ok := forwardOrdinals[s]
	return ord, ok
}

// Valid reports whether s is one of the enumerated statuses.
func (s DeploymentStatus) Valid() bool {
	for _, known := range AllDeploymentStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether a deployment may move from s to target.
//
// The forward progression may skip ahead (a caller that pulls a cached image
// can jump past pulling_image) but never moves backward. Any non-terminal
// state may fail or be cancelled. The only exit from a terminal state is
// completed -> rolling_back -> rolled_back.
func (s DeploymentStatus) CanTransition(target DeploymentStatus) bool {
	if s == target {
		return false
	}

	switch target {
	case DeploymentStatusFailed, DeploymentStatusCancelled:
		return !s.IsTerminal()
	case DeploymentStatusRollingBack:
		return s == DeploymentStatusCompleted
	case DeploymentStatusRolledBack:
		return s == DeploymentStatusRollingBack
	case DeploymentStatusCompleted:
		return !s.IsTerminal() && s != DeploymentStatusRollingBack
	}

	fromOrd, fromForward := s.ForwardOrdinal()
	toOrd, toForward := target.ForwardOrdinal()
	if !fromForward || !toForward {
		return false
	}
	return toOrd > fromOrd
}

// RollbackSnapshot is a point-in-time capture of the state a deployment can
// be reverted to, plus the capture timestamp. When a snapshot cipher is
// configured the state payload is sealed and Sealed carries the ciphertext
// instead of State.
type RollbackSnapshot struct {
	State      map[string]any `json:"state,omitempty"`
	Sealed     string         `json:"sealed,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// Deployment is one attempt to install a cataloged application template as a
// running workload. Rows are never deleted; terminal records are retained as
// an audit trail.
type Deployment struct {
	// ID is the externally visible deployment identifier, assigned at
	// creation and immutable afterwards.
	ID         string `json:"deployment_id"`
	TemplateID string `json:"template_id"`
	AppName    string `json:"app_name"`
	Category   string `json:"category"`
	StartedBy  string `json:"started_by,omitempty"`

	Status DeploymentStatus `json:"status"`

	// Progress fields are updated together on every progress report.
	ProgressPercent   float64 `json:"progress_percent"`
	CurrentStep       string  `json:"current_step,omitempty"`
	CurrentStepNumber int     `json:"current_step_number"`
	TotalSteps        int     `json:"total_steps"`

	// Runtime outputs populated as the install proceeds.
	// Known variable keys depend on the template's variable specs; secret
	// values are stored sealed (age ciphertext) when a cipher is configured.
	Variables     map[string]any `json:"variables,omitempty"`
	ComposePath   string         `json:"compose_path,omitempty"`
	ContainerID   string         `json:"container_id,omitempty"`
	ContainerName string         `json:"container_name,omitempty"`

	RollbackAvailable bool              `json:"rollback_available"`
	RollbackSnapshot  *RollbackSnapshot `json:"rollback_snapshot,omitempty"`
	PreviousState     map[string]any    `json:"previous_state,omitempty"`

	// ErrorMessage is non-empty if and only if Status is failed.
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`

	// Logs accumulates progress messages as free text for human inspection.
	// The structured per-entry record is DeploymentLogEntry.
	Logs string `json:"logs,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DeploymentLogEntry is a single write-once log line for a deployment,
// ordered by timestamp. Entries are never mutated or deleted.
type DeploymentLogEntry struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Step         string    `json:"step,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Log levels for DeploymentLogEntry.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)
