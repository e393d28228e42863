package command

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed input, rejected before any mutation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

// VersionConflictError reports an optimistic concurrency loss. The caller
// must re-read the command and retry.
type VersionConflictError struct {
	CommandID       string
	ExpectedVersion int
	ActualVersion   int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on command %s: expected %d, found %d",
		e.CommandID, e.ExpectedVersion, e.ActualVersion)
}

// NotFoundError reports an unknown command or event id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// PermissionError reports that the caller does not own the command.
type PermissionError struct {
	PatientID string
	CommandID string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("patient %s does not own command %s", e.PatientID, e.CommandID)
}
