package models

import "time"

// InstallJob is one unit of work for the install worker: either a fresh
// install of a template or a rollback of an earlier deployment. Jobs are
// serialized to JSON in the queue table.
type InstallJob struct {
	// ID identifies the queue entry, not the deployment.
	ID           string         `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	TemplateID   string         `json:"template_id"`
	AppName      string         `json:"app_name"`
	Image        string         `json:"image"`
	Variables    map[string]any `json:"variables,omitempty"`

	// Rollback marks a job that reverts the deployment to its snapshot
	// instead of installing it.
	Rollback bool `json:"rollback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
