// Package models - Credential and assignment types.
// A credential is one externally issued platform token that backs exactly one
// worker identity. Credentials are recycled, never deleted while assigned.
package models

import (
	"strings"
	"time"
)

// CredentialStatus is the allocation state of a credential.
type CredentialStatus string

const (
	CredentialFree     CredentialStatus = "free"
	CredentialAssigned CredentialStatus = "assigned"
)

// Credential is one platform access token known to the pool.
type Credential struct {
	ID         string           `json:"id"`
	Secret     string           `json:"-"`
	Owner      string           `json:"owner,omitempty"`
	Status     CredentialStatus `json:"status"`
	AssignedAt *time.Time       `json:"assigned_at,omitempty"`
}

// Redacted returns a copy safe to expose through logs and APIs.
func (c Credential) Redacted() CredentialView {
	return CredentialView{
		ID:         c.ID,
		Hint:       SecretHint(c.Secret),
		Owner:      c.Owner,
		Status:     c.Status,
		AssignedAt: c.AssignedAt,
	}
}

// CredentialView is the externally visible form of a credential.
type CredentialView struct {
	ID         string           `json:"id"`
	Hint       string           `json:"hint"`
	Owner      string           `json:"owner,omitempty"`
	Status     CredentialStatus `json:"status"`
	AssignedAt *time.Time       `json:"assigned_at,omitempty"`
}

// Assignment is the persisted owner <-> credential mapping. It lets a
// restarted process (or an audit) recover which worker holds which credential.
type Assignment struct {
	CredentialID string    `json:"credential_id"`
	Owner        string    `json:"owner"`
	InstanceID   string    `json:"instance_id,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// PoolStats summarises pool occupancy.
type PoolStats struct {
	Total    int `json:"total"`
	Free     int `json:"free"`
	Assigned int `json:"assigned"`
}

// SecretHint returns the bot id part of a token (everything before the colon)
// so operators can tell credentials apart without seeing the secret.
func SecretHint(secret string) string {
	if i := strings.IndexByte(secret, ':'); i > 0 {
		return secret[:i] + ":***"
	}
	if len(secret) > 4 {
		return secret[:4] + "***"
	}
	return "***"
}

// ValidTokenFormat reports whether a token has the platform's
// "<numeric bot id>:<secret>" shape with a secret of at least five characters.
func ValidTokenFormat(token string) bool {
	if len(token) < 10 {
		return false
	}
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return false
	}
	if parts[0] == "" {
		return false
	}
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(parts[1]) >= 5
}
