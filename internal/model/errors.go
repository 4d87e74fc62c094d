package model

import (
	"encoding/json"
	"errors"
)

// ServiceError is rendered to http callers as is.
type ServiceError struct {
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Code int `json:"-"`
}

func (err ServiceError) Error() string {
	data, _ := json.Marshal(&err)

	return string(data)
}

// Error is a permanent error. Retrying the same operation gives the same result.
type Error string

func (err Error) Error() string {
	return string(err)
}

const (
	ErrNotFound          Error = "not found"
	ErrAlreadyConnected  Error = "device is already connected"
	ErrBadConnection     Error = "bad connection"
	ErrMalformedFrame    Error = "malformed frame"
	ErrCredentialTimeout Error = "credential timeout"
)

// TemporaryError is an error that may be gone on retry.
type TemporaryError interface {
	IsTemporary() bool
}

// IsTemporary checks if the error or any error it wraps will gone later.
func IsTemporary(err error) bool {
	var terr TemporaryError
	if errors.As(err, &terr) {
		return terr.IsTemporary()
	}

	return false
}
