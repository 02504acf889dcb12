package platform

import (
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// OverloadError is returned when the platform throttles a call. The limiter
// has already been told; the caller decides whether to retry.
type OverloadError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *OverloadError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: platform overloaded, retry after %s", e.Method, e.RetryAfter)
	}
	return fmt.Sprintf("%s: platform overloaded", e.Method)
}

// APIError is a non-overload error reported by the platform.
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: platform error %d: %s", e.Method, e.StatusCode, e.Description)
}

// Temporary reports whether the platform is likely to succeed on retry.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}
