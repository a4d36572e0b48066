package lifecycle

import (
	"errors"
	"fmt"

	"github.com/homeport-sh/homeport/internal/models"
)

var (
	// ErrDuplicateDeployment is returned when Create is called with a
	// deployment ID that already exists. The caller must retry with a
	// fresh identifier.
	ErrDuplicateDeployment = errors.New("deployment id already exists")

	// ErrInvalidTransition is the sentinel every InvalidTransitionError
	// matches via errors.Is.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidTotalSteps is returned when Create is called with a step
	// count below 1.
	ErrInvalidTotalSteps = errors.New("total steps must be at least 1")
)

// InvalidTransitionError reports a state-changing operation issued against a
// record whose current status does not permit the requested transition. The
// record is left untouched.
type InvalidTransitionError struct {
	DeploymentID string
	From         models.DeploymentStatus
	To           models.DeploymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("deployment %s: invalid transition %s -> %s", e.DeploymentID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
