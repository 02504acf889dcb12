// Package models - Persisted worker status records.
package models

import (
	"errors"
	"strings"
	"time"
)

// Worker status values as written to the status record. They mirror the
// lifecycle states of a worker instance one-to-one.
const (
	WorkerStatusNone     = "none"
	WorkerStatusCreating = "creating"
	WorkerStatusCreated  = "created"
	WorkerStatusStarting = "starting"
	WorkerStatusRunning  = "running"
	WorkerStatusStopping = "stopping"
	WorkerStatusStopped  = "stopped"
	WorkerStatusError    = "error"
)

// WorkerRecord is the persisted status row for one worker instance. The
// supervisor rewrites it on every lifecycle transition.
type WorkerRecord struct {
	InstanceID   string    `json:"instance_id"`
	CredentialID string    `json:"credential_id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Live reports whether the record describes an instance that a running
// process would still own.
func (r *WorkerRecord) Live() bool {
	switch r.Status {
	case WorkerStatusCreating, WorkerStatusCreated, WorkerStatusStarting,
		WorkerStatusRunning, WorkerStatusStopping:
		return true
	}
	return false
}

// Validate checks the record before it is written.
func (r *WorkerRecord) Validate() error {
	if strings.TrimSpace(r.InstanceID) == "" {
		return errors.New("instance id is required")
	}
	if strings.TrimSpace(r.CredentialID) == "" {
		return errors.New("credential id is required")
	}
	if r.Status == "" {
		return errors.New("status is required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}
