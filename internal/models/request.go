// Package models - API request types and input validation.
//
// Validation Philosophy:
// - Fail fast with clear error messages for invalid input
// - Normalize input (trimmed strings) before it reaches the supervisor
package models

import (
	"errors"
	"fmt"
	"strings"
)

const maxWorkerNameLength = 64

// CreateWorkerRequest asks the fleet for a new worker bound to a free credential.
//
// Owner identifies the user or upstream request that claims the credential;
// Name is a display label chosen by that owner.
type CreateWorkerRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// Normalize trims whitespace from all fields.
func (r *CreateWorkerRequest) Normalize() {
	r.Owner = strings.TrimSpace(r.Owner)
	r.Name = strings.TrimSpace(r.Name)
}

// Validate checks the request after normalization.
func (r *CreateWorkerRequest) Validate() error {
	if r.Owner == "" {
		return errors.New("owner is required")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if len(r.Name) > maxWorkerNameLength {
		return fmt.Errorf("name must be at most %d characters", maxWorkerNameLength)
	}
	return nil
}
