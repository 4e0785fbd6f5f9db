// internal/syncer/sources.go
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
)

// SourceParams describes a new work items source.
type SourceParams struct {
	Name                  string          `json:"name"`
	IntegrationType       string          `json:"integration_type"`
	Parameters            json.RawMessage `json:"parameters,omitempty"`
	CustomFields          json.RawMessage `json:"custom_fields,omitempty"`
	SourceData            json.RawMessage `json:"source_data,omitempty"`
	CommitMappingScope    *string         `json:"commit_mapping_scope,omitempty"`
	CommitMappingScopeKey *string         `json:"commit_mapping_scope_key,omitempty"`
}

// SourcePatch updates a source. Nil fields are left as they are; Parameters
// and CustomFields replace the stored documents, SourceData is merged into it
// key by key.
type SourcePatch struct {
	Name                  *string         `json:"name,omitempty"`
	Parameters            json.RawMessage `json:"parameters,omitempty"`
	CustomFields          json.RawMessage `json:"custom_fields,omitempty"`
	SourceData            json.RawMessage `json:"source_data,omitempty"`
	CommitMappingScope    *string         `json:"commit_mapping_scope,omitempty"`
	CommitMappingScopeKey *string         `json:"commit_mapping_scope_key,omitempty"`
}

// CreateSource registers a source in the ready state under a new key.
func (s *Syncer) CreateSource(ctx context.Context, p SourceParams) (database.WorkItemsSource, error) {
	if strings.TrimSpace(p.IntegrationType) == "" {
		return database.WorkItemsSource{}, &custom_errors.MappingError{Field: "integration_type", Reason: "missing"}
	}
	if s.registry != nil {
		if _, err := s.registry.Mapper(p.IntegrationType); err != nil {
			return database.WorkItemsSource{}, err
		}
	}
	for field, doc := range map[string]json.RawMessage{"parameters": p.Parameters, "custom_fields": p.CustomFields, "source_data": p.SourceData} {
		if len(doc) > 0 && !json.Valid(doc) {
			return database.WorkItemsSource{}, &custom_errors.MappingError{Field: field, Reason: "not a valid JSON document"}
		}
	}

	var src database.WorkItemsSource
	err := s.inTransaction(ctx, func(q database.Querier) error {
		var err error
		src, err = q.CreateWorkItemsSource(ctx, database.CreateWorkItemsSourceParams{
			Key:                   uuid.New(),
			Name:                  p.Name,
			IntegrationType:       strings.ToLower(p.IntegrationType),
			Parameters:            p.Parameters,
			CustomFields:          p.CustomFields,
			SourceData:            p.SourceData,
			CommitMappingScope:    p.CommitMappingScope,
			CommitMappingScopeKey: p.CommitMappingScopeKey,
		})
		if err != nil {
			return &custom_errors.PersistenceError{Op: "create work items source", Err: err}
		}
		return nil
	})
	if err != nil {
		return database.WorkItemsSource{}, err
	}
	s.logger.Info("Created work items source", "source_key", src.Key, "integration_type", src.IntegrationType)
	return src, nil
}

// GetSource returns the source with the given key.
func (s *Syncer) GetSource(ctx context.Context, key uuid.UUID) (database.WorkItemsSource, error) {
	var src database.WorkItemsSource
	err := s.inTransaction(ctx, func(q database.Querier) error {
		var err error
		src, err = loadSource(ctx, q, key)
		return err
	})
	return src, err
}

// GetWorkItem returns the work item with the given key.
func (s *Syncer) GetWorkItem(ctx context.Context, key uuid.UUID) (database.WorkItem, error) {
	var item database.WorkItem
	err := s.inTransaction(ctx, func(q database.Querier) error {
		var err error
		item, err = q.GetWorkItemByKey(ctx, key)
		if errors.Is(err, pgx.ErrNoRows) {
			return &custom_errors.WorkItemNotFoundError{Key: key}
		} else if err != nil {
			return &custom_errors.PersistenceError{Op: "load work item", Err: err}
		}
		return nil
	})
	return item, err
}

// ListSources returns the sources in any of the given import states.
func (s *Syncer) ListSources(ctx context.Context, states ...model.ImportState) ([]database.WorkItemsSource, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	var sources []database.WorkItemsSource
	err := s.inTransaction(ctx, func(q database.Querier) error {
		var err error
		sources, err = q.ListWorkItemsSourcesByImportState(ctx, names)
		if err != nil {
			return &custom_errors.PersistenceError{Op: "list work items sources", Err: err}
		}
		return nil
	})
	return sources, err
}

// BeginImport marks a source as importing. The state is advisory; it does
// not lock the source against concurrent syncs.
func (s *Syncer) BeginImport(ctx context.Context, key uuid.UUID) (database.WorkItemsSource, error) {
	return s.setImportState(ctx, key, model.ImportStateImporting, false)
}

// FinishImport marks a source as auto-updating and stamps last_synced.
func (s *Syncer) FinishImport(ctx context.Context, key uuid.UUID) (database.WorkItemsSource, error) {
	return s.setImportState(ctx, key, model.ImportStateAutoUpdate, true)
}

func (s *Syncer) setImportState(ctx context.Context, key uuid.UUID, state model.ImportState, stamp bool) (database.WorkItemsSource, error) {
	var src database.WorkItemsSource
	err := s.inTransaction(ctx, func(q database.Querier) error {
		current, err := loadSource(ctx, q, key)
		if err != nil {
			return err
		}
		src, err = q.UpdateWorkItemsSourceImportState(ctx, database.UpdateWorkItemsSourceImportStateParams{
			ID:          current.ID,
			ImportState: string(state),
			StampSynced: stamp,
		})
		if err != nil {
			return &custom_errors.PersistenceError{Op: "update import state", Err: err}
		}
		return nil
	})
	return src, err
}

// UpdateSource applies a patch to the source with the given key.
func (s *Syncer) UpdateSource(ctx context.Context, key uuid.UUID, patch SourcePatch) (database.WorkItemsSource, error) {
	if len(patch.SourceData) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(patch.SourceData, &obj); err != nil {
			return database.WorkItemsSource{}, &custom_errors.MappingError{Field: "source_data", Reason: fmt.Sprintf("must be a JSON object: %v", err)}
		}
		if obj == nil {
			return database.WorkItemsSource{}, &custom_errors.MappingError{Field: "source_data", Reason: "must be a JSON object, got null"}
		}
	}
	for field, doc := range map[string]json.RawMessage{"parameters": patch.Parameters, "custom_fields": patch.CustomFields} {
		if len(doc) > 0 && !json.Valid(doc) {
			return database.WorkItemsSource{}, &custom_errors.MappingError{Field: field, Reason: "not a valid JSON document"}
		}
	}

	var src database.WorkItemsSource
	err := s.inTransaction(ctx, func(q database.Querier) error {
		current, err := loadSource(ctx, q, key)
		if err != nil {
			return err
		}
		src, err = q.UpdateWorkItemsSource(ctx, database.UpdateWorkItemsSourceParams{
			ID:                    current.ID,
			Name:                  patch.Name,
			Parameters:            patch.Parameters,
			CustomFields:          patch.CustomFields,
			CommitMappingScope:    patch.CommitMappingScope,
			CommitMappingScopeKey: patch.CommitMappingScopeKey,
		})
		if err != nil {
			return &custom_errors.PersistenceError{Op: "update work items source", Err: err}
		}
		if len(patch.SourceData) == 0 {
			return nil
		}
		src, err = q.MergeWorkItemsSourceData(ctx, database.MergeWorkItemsSourceDataParams{ID: current.ID, SourceData: patch.SourceData})
		if err != nil {
			return &custom_errors.PersistenceError{Op: "merge source data", Err: err}
		}
		return nil
	})
	return src, err
}
