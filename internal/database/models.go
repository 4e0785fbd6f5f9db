// internal/database/models.go
package database

import (
	"time"

	"github.com/google/uuid"
)

type WorkItemsSource struct {
	ID                    int64
	Key                   uuid.UUID
	Name                  string
	IntegrationType       string
	Parameters            []byte
	ImportState           string
	CustomFields          []byte
	SourceData            []byte
	CommitMappingScope    *string
	CommitMappingScopeKey *string
	LastSynced            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type WorkItem struct {
	ID                    int64
	Key                   uuid.UUID
	WorkItemsSourceID     int64
	SourceID              *string
	SourceDisplayID       *string
	Name                  *string
	Description           *string
	WorkItemType          *string
	IsBug                 bool
	IsEpic                bool
	Tags                  []string
	Url                   *string
	SourceState           *string
	Priority              *string
	Releases              []string
	StoryPoints           *float64
	Sprints               []string
	Flagged               *bool
	CommitIdentifiers     []string
	ApiPayload            []byte
	Changelog             []byte
	ParentID              *int64
	ParentSourceDisplayID *string
	SourceCreatedAt       *time.Time
	SourceLastUpdated     *time.Time
	DeletedAt             *time.Time
	LastSync              *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WorkItemRef is the slim projection used by reference resolution.
type WorkItemRef struct {
	ID                    int64
	Key                   uuid.UUID
	WorkItemsSourceID     int64
	SourceDisplayID       *string
	ParentSourceDisplayID *string
	ParentID              *int64
}
