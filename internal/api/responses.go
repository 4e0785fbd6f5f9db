// internal/api/responses.go
package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"work-items-sync/internal/database"
)

type sourceResponse struct {
	Key                   uuid.UUID       `json:"key"`
	Name                  string          `json:"name"`
	IntegrationType       string          `json:"integration_type"`
	ImportState           string          `json:"import_state"`
	Parameters            json.RawMessage `json:"parameters"`
	CustomFields          json.RawMessage `json:"custom_fields"`
	SourceData            json.RawMessage `json:"source_data"`
	CommitMappingScope    *string         `json:"commit_mapping_scope"`
	CommitMappingScopeKey *string         `json:"commit_mapping_scope_key"`
	LastSynced            *time.Time      `json:"last_synced"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func newSourceResponse(src database.WorkItemsSource) sourceResponse {
	return sourceResponse{
		Key:                   src.Key,
		Name:                  src.Name,
		IntegrationType:       src.IntegrationType,
		ImportState:           src.ImportState,
		Parameters:            rawOrNull(src.Parameters),
		CustomFields:          rawOrNull(src.CustomFields),
		SourceData:            rawOrNull(src.SourceData),
		CommitMappingScope:    src.CommitMappingScope,
		CommitMappingScopeKey: src.CommitMappingScopeKey,
		LastSynced:            src.LastSynced,
		CreatedAt:             src.CreatedAt,
		UpdatedAt:             src.UpdatedAt,
	}
}

type workItemResponse struct {
	Key                   uuid.UUID       `json:"key"`
	SourceID              *string         `json:"source_id"`
	SourceDisplayID       *string         `json:"source_display_id"`
	Name                  *string         `json:"name"`
	Description           *string         `json:"description"`
	WorkItemType          *string         `json:"work_item_type"`
	IsBug                 bool            `json:"is_bug"`
	IsEpic                bool            `json:"is_epic"`
	Tags                  []string        `json:"tags"`
	URL                   *string         `json:"url"`
	SourceState           *string         `json:"source_state"`
	Priority              *string         `json:"priority"`
	Releases              []string        `json:"releases"`
	StoryPoints           *float64        `json:"story_points"`
	Sprints               []string        `json:"sprints"`
	Flagged               *bool           `json:"flagged"`
	CommitIdentifiers     []string        `json:"commit_identifiers"`
	APIPayload            json.RawMessage `json:"api_payload"`
	Changelog             json.RawMessage `json:"changelog"`
	HasParent             bool            `json:"has_parent"`
	ParentSourceDisplayID *string         `json:"parent_source_display_id"`
	SourceCreatedAt       *time.Time      `json:"source_created_at"`
	SourceLastUpdated     *time.Time      `json:"source_last_updated"`
	DeletedAt             *time.Time      `json:"deleted_at"`
	LastSync              *time.Time      `json:"last_sync"`
}

func newWorkItemResponse(wi database.WorkItem) workItemResponse {
	return workItemResponse{
		Key:                   wi.Key,
		SourceID:              wi.SourceID,
		SourceDisplayID:       wi.SourceDisplayID,
		Name:                  wi.Name,
		Description:           wi.Description,
		WorkItemType:          wi.WorkItemType,
		IsBug:                 wi.IsBug,
		IsEpic:                wi.IsEpic,
		Tags:                  wi.Tags,
		URL:                   wi.Url,
		SourceState:           wi.SourceState,
		Priority:              wi.Priority,
		Releases:              wi.Releases,
		StoryPoints:           wi.StoryPoints,
		Sprints:               wi.Sprints,
		Flagged:               wi.Flagged,
		CommitIdentifiers:     wi.CommitIdentifiers,
		APIPayload:            rawOrNull(wi.ApiPayload),
		Changelog:             rawOrNull(wi.Changelog),
		HasParent:             wi.ParentID != nil,
		ParentSourceDisplayID: wi.ParentSourceDisplayID,
		SourceCreatedAt:       wi.SourceCreatedAt,
		SourceLastUpdated:     wi.SourceLastUpdated,
		DeletedAt:             wi.DeletedAt,
		LastSync:              wi.LastSync,
	}
}

func rawOrNull(doc []byte) json.RawMessage {
	if len(doc) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(doc)
}
