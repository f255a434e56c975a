package store

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	// ErrLockConflict indicates the per-session lock could not be acquired
	// within the configured timeout.
	ErrLockConflict = errors.New("session lock held by another writer")

	// ErrConflict indicates the target of a rename or import already exists.
	ErrConflict = errors.New("session already exists")

	// ErrNotFound indicates no canonical record exists for the session.
	ErrNotFound = errors.New("session not found")
)

// Corruption diagnostic codes.
const (
	DiagCorruptJSON  = "corrupt_json"
	DiagInvalidShape = "invalid_shape"
)

// LoadDiagnostic describes a record that failed to load and was quarantined.
type LoadDiagnostic struct {
	SessionID       string `json:"sessionId"`
	Code            string `json:"code"`
	Detail          string `json:"detail,omitempty"`
	QuarantinedPath string `json:"quarantinedPath"`
}

func (d *LoadDiagnostic) Error() string {
	return fmt.Sprintf("session %s quarantined (%s): %s", d.SessionID, d.Code, d.Detail)
}
