// internal/model/models.go
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	custom_errors "work-items-sync/internal/errors"
)

// ImportState is the lifecycle state of a work items source.
type ImportState string

const (
	ImportStateReady      ImportState = "ready"
	ImportStateImporting  ImportState = "importing"
	ImportStateAutoUpdate ImportState = "auto_update"
	ImportStateDisabled   ImportState = "disabled"
)

// Valid reports whether s is one of the known import states.
func (s ImportState) Valid() bool {
	switch s {
	case ImportStateReady, ImportStateImporting, ImportStateAutoUpdate, ImportStateDisabled:
		return true
	}
	return false
}

// ChangelogEntry is one state transition captured from the source system.
type ChangelogEntry struct {
	Created       string `json:"created"`
	PreviousState string `json:"previous_state"`
	State         string `json:"state"`
	SeqNo         int    `json:"seq_no"`
}

// Record is a work item as produced by a connector mapper. Only SourceID is
// required; every other attribute is written only when present.
type Record struct {
	SourceID string `json:"source_id"`

	SourceDisplayID       Field[string]           `json:"source_display_id,omitzero"`
	Name                  Field[string]           `json:"name,omitzero"`
	Description           Field[string]           `json:"description,omitzero"`
	WorkItemType          Field[string]           `json:"work_item_type,omitzero"`
	IsBug                 Field[bool]             `json:"is_bug,omitzero"`
	IsEpic                Field[bool]             `json:"is_epic,omitzero"`
	Tags                  Field[[]string]         `json:"tags,omitzero"`
	URL                   Field[string]           `json:"url,omitzero"`
	SourceState           Field[string]           `json:"source_state,omitzero"`
	Priority              Field[string]           `json:"priority,omitzero"`
	Releases              Field[[]string]         `json:"releases,omitzero"`
	StoryPoints           Field[float64]          `json:"story_points,omitzero"`
	Sprints               Field[[]string]         `json:"sprints,omitzero"`
	Flagged               Field[bool]             `json:"flagged,omitzero"`
	CommitIdentifiers     Field[[]string]         `json:"commit_identifiers,omitzero"`
	APIPayload            Field[json.RawMessage]  `json:"api_payload,omitzero"`
	Changelog             Field[[]ChangelogEntry] `json:"changelog,omitzero"`
	ParentSourceDisplayID Field[string]           `json:"parent_source_display_id,omitzero"`
	SourceCreatedAt       Field[time.Time]        `json:"source_created_at,omitzero"`
	SourceLastUpdated     Field[time.Time]        `json:"source_last_updated,omitzero"`
	DeletedAt             Field[time.Time]        `json:"deleted_at,omitzero"`
}

// Validate checks the fields every record must carry.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return &custom_errors.MappingError{SourceID: r.SourceID, Field: "source_id", Reason: "missing"}
	}
	if r.APIPayload.HasValue() && !json.Valid(r.APIPayload.Value) {
		return &custom_errors.MappingError{SourceID: r.SourceID, Field: "api_payload", Reason: "not a valid JSON document"}
	}
	return nil
}

// SyncResult describes what happened to one work item during a sync, delete or move.
type SyncResult struct {
	Key       uuid.UUID  `json:"key"`
	DisplayID *string    `json:"display_id"`
	IsNew     bool       `json:"is_new"`
	IsUpdated bool       `json:"is_updated"`
	IsMoved   bool       `json:"is_moved,omitempty"`
	ParentKey *uuid.UUID `json:"parent_key,omitempty"`

	ID       int64  `json:"-"`
	SourceID string `json:"-"`
	ParentID *int64 `json:"-"`
}

// Changed reports whether consumers should be notified about the item.
func (r SyncResult) Changed() bool {
	return r.IsNew || r.IsUpdated || r.IsMoved
}

// ChangeSet is the outcome of one transactional batch.
type ChangeSet struct {
	SourceKey uuid.UUID                     `json:"source_key"`
	Results   []SyncResult                  `json:"results"`
	Rejected  []*custom_errors.MappingError `json:"rejected,omitempty"`
}

// Changed returns only the results that carry a material change.
func (c *ChangeSet) Changed() []SyncResult {
	var out []SyncResult
	for _, r := range c.Results {
		if r.Changed() {
			out = append(out, r)
		}
	}
	return out
}

// MoveResult is the outcome of relocating one record to another source.
type MoveResult struct {
	SyncResult
	// Backfilled lists target items that were waiting for the moved record as their parent.
	Backfilled []SyncResult `json:"backfilled,omitempty"`
}
