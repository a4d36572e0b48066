package models

import "time"

// VariableSpec describes one configurable variable of a template. Secret
// variables have their values sealed before they are persisted on a
// deployment record.
type VariableSpec struct {
	Name     string `json:"name" yaml:"name"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Default  string `json:"default,omitempty" yaml:"default,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Secret   bool   `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// Template is a marketplace catalog entry describing a deployable
// application.
type Template struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Category    string         `json:"category" yaml:"category"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Image       string         `json:"image" yaml:"image"`
	Variables   []VariableSpec `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Ports maps host ports to container ports for the default install.
	Ports map[int]int `json:"ports,omitempty" yaml:"ports,omitempty"`

	// Volumes lists host:container mount pairs.
	Volumes []string `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// TotalSteps is the number of install steps a deployment of this
	// template reports progress against. Must be at least 1.
	TotalSteps int `json:"total_steps" yaml:"total_steps"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// DefaultTotalSteps is used when a template does not declare its own step
// count: pull, create, configure, start, verify.
const DefaultTotalSteps = 5

// Variable returns the spec for the named variable, if declared.
func (t *Template) Variable(name string) (VariableSpec, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return VariableSpec{}, false
}
