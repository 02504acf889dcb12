package credential

import "errors"

var (
	// ErrPoolExhausted means every credential is assigned. It is a normal
	// outcome: callers wait or provision more credentials.
	ErrPoolExhausted = errors.New("credential pool exhausted")

	ErrCredentialNotFound  = errors.New("credential not found")
	ErrCredentialInUse     = errors.New("credential is assigned")
	ErrDuplicateCredential = errors.New("credential already in pool")
	ErrInvalidToken        = errors.New("invalid token format")
)
