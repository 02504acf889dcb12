package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateWorkerRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      CreateWorkerRequest
		errorMsg string
	}{
		{name: "valid", req: CreateWorkerRequest{Owner: "alice", Name: "echo"}},
		{name: "whitespace is trimmed", req: CreateWorkerRequest{Owner: "  alice ", Name: " echo\t"}},
		{name: "missing owner", req: CreateWorkerRequest{Name: "echo"}, errorMsg: "owner is required"},
		{name: "blank owner", req: CreateWorkerRequest{Owner: "   ", Name: "echo"}, errorMsg: "owner is required"},
		{name: "missing name", req: CreateWorkerRequest{Owner: "alice"}, errorMsg: "name is required"},
		{
			name:     "name too long",
			req:      CreateWorkerRequest{Owner: "alice", Name: strings.Repeat("x", 65)},
			errorMsg: "at most 64 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Normalize()
			err := req.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				assert.Equal(t, strings.TrimSpace(tt.req.Owner), req.Owner)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errorMsg)
			}
		})
	}
}
