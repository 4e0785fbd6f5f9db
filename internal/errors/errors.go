// internal/errors/errors.go
package errors

import (
	"fmt"

	"github.com/google/uuid"
)

// MappingError is returned when a single record cannot be used. It is isolated
// to that record and never aborts the rest of the batch.
type MappingError struct {
	SourceID string `json:"source_id"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

func (e *MappingError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("mapping error: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("mapping error for %q: field %q: %s", e.SourceID, e.Field, e.Reason)
}

// ReferenceAmbiguityError describes a display id that matched more than one
// parent candidate. The resolver picks ChosenID and reports the rest.
type ReferenceAmbiguityError struct {
	DisplayID    string
	CandidateIDs []int64
	ChosenID     int64
}

func (e *ReferenceAmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous parent reference %q: %d candidates %v, chose %d", e.DisplayID, len(e.CandidateIDs), e.CandidateIDs, e.ChosenID)
}

// PersistenceError wraps a database failure. It always aborts the enclosing transaction.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SourceNotFoundError is returned when no work items source has the given key.
type SourceNotFoundError struct {
	Key uuid.UUID
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("work items source %s not found", e.Key)
}

// UnknownIntegrationError is returned when no connector handles an integration type.
type UnknownIntegrationError struct {
	IntegrationType string
}

func (e *UnknownIntegrationError) Error() string {
	return fmt.Sprintf("no connector registered for integration type %q", e.IntegrationType)
}

// WorkItemNotFoundError is returned when no work item has the given key.
type WorkItemNotFoundError struct {
	Key uuid.UUID
}

func (e *WorkItemNotFoundError) Error() string {
	return fmt.Sprintf("work item %s not found", e.Key)
}
