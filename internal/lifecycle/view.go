package lifecycle

import (
	"time"

	"github.com/homeport-sh/homeport/internal/models"
)

// View is the read model handed to callers rendering deployment state. It is
// a pure projection of the stored record; nothing is re-derived.
type View struct {
	DeploymentID string `json:"deployment_id"`
	TemplateID   string `json:"template_id"`
	AppName      string `json:"app_name"`
	Category     string `json:"category"`
	StartedBy    string `json:"started_by,omitempty"`

	Status string `json:"status"`

	Progress  ProgressView  `json:"progress"`
	Container ContainerView `json:"container"`
	Rollback  RollbackView  `json:"rollback"`

	// Error is present only on failed deployments.
	Error *ErrorView `json:"error,omitempty"`

	Timestamps TimestampsView `json:"timestamps"`

	Variables map[string]any `json:"variables,omitempty"`
	Logs      string         `json:"logs,omitempty"`
}

// ProgressView groups the step-level progress fields.
type ProgressView struct {
	Percent    float64 `json:"percent"`
	Step       string  `json:"step,omitempty"`
	StepNumber int     `json:"step_number"`
	TotalSteps int     `json:"total_steps"`
}

// ContainerView groups the runtime outputs of the install.
type ContainerView struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	ComposePath string `json:"compose_path,omitempty"`
}

// RollbackView reports whether the deployment can be reverted and when the
// snapshot, if any, was captured.
type RollbackView struct {
	Available  bool       `json:"available"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// ErrorView carries the failure fields.
type ErrorView struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// TimestampsView groups the record timestamps.
type TimestampsView struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewView projects a deployment record into its read model.
func NewView(d *models.Deployment) *View {
	v := &View{
		DeploymentID: d.ID,
		TemplateID:   d.TemplateID,
		AppName:      d.AppName,
		Category:     d.Category,
		StartedBy:    d.StartedBy,
		Status:       string(d.Status),
		Progress: ProgressView{
			Percent:    d.ProgressPercent,
			Step:       d.CurrentStep,
			StepNumber: d.CurrentStepNumber,
			TotalSteps: d.TotalSteps,
		},
		Container: ContainerView{
			ID:          d.ContainerID,
			Name:        d.ContainerName,
			ComposePath: d.ComposePath,
		},
		Rollback: RollbackView{
			Available: d.RollbackAvailable,
		},
		Timestamps: TimestampsView{
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
			StartedAt:   d.StartedAt,
			CompletedAt: d.CompletedAt,
		},
		Variables: d.Variables,
		Logs:      d.Logs,
	}

	if d.RollbackSnapshot != nil {
		capturedAt := d.RollbackSnapshot.CapturedAt
		v.Rollback.CapturedAt = &capturedAt
	}

	if d.Status == models.DeploymentStatusFailed {
		v.Error = &ErrorView{
			Message: d.ErrorMessage,
			Details: d.ErrorDetails,
		}
	}

	return v
}
