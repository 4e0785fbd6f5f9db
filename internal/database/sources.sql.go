// internal/database/sources.sql.go
package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sourceColumns = `id, key, name, integration_type, parameters, import_state, custom_fields, source_data,
	commit_mapping_scope, commit_mapping_scope_key, last_synced, created_at, updated_at`

func scanWorkItemsSource(row pgx.Row) (WorkItemsSource, error) {
	var i WorkItemsSource
	err := row.Scan(
		&i.ID,
		&i.Key,
		&i.Name,
		&i.IntegrationType,
		&i.Parameters,
		&i.ImportState,
		&i.CustomFields,
		&i.SourceData,
		&i.CommitMappingScope,
		&i.CommitMappingScopeKey,
		&i.LastSynced,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createWorkItemsSource = `-- name: CreateWorkItemsSource :one
INSERT INTO work_items.work_items_sources (
	key, name, integration_type, parameters, custom_fields, source_data, commit_mapping_scope, commit_mapping_scope_key
) VALUES (
	$1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), COALESCE($5::jsonb, '[]'::jsonb), COALESCE($6::jsonb, '{}'::jsonb), $7, $8
)
RETURNING ` + sourceColumns

type CreateWorkItemsSourceParams struct {
	Key                   uuid.UUID
	Name                  string
	IntegrationType       string
	Parameters            []byte
	CustomFields          []byte
	SourceData            []byte
	CommitMappingScope    *string
	CommitMappingScopeKey *string
}

func (q *Queries) CreateWorkItemsSource(ctx context.Context, arg CreateWorkItemsSourceParams) (WorkItemsSource, error) {
	row := q.db.QueryRow(ctx, createWorkItemsSource,
		arg.Key,
		arg.Name,
		arg.IntegrationType,
		arg.Parameters,
		arg.CustomFields,
		arg.SourceData,
		arg.CommitMappingScope,
		arg.CommitMappingScopeKey,
	)
	return scanWorkItemsSource(row)
}

const getWorkItemsSourceByKey = `-- name: GetWorkItemsSourceByKey :one
SELECT ` + sourceColumns + `
FROM work_items.work_items_sources
WHERE key = $1
`

func (q *Queries) GetWorkItemsSourceByKey(ctx context.Context, key uuid.UUID) (WorkItemsSource, error) {
	return scanWorkItemsSource(q.db.QueryRow(ctx, getWorkItemsSourceByKey, key))
}

const listWorkItemsSourcesByImportState = `-- name: ListWorkItemsSourcesByImportState :many
SELECT ` + sourceColumns + `
FROM work_items.work_items_sources
WHERE import_state = ANY($1::text[])
ORDER BY id
`

func (q *Queries) ListWorkItemsSourcesByImportState(ctx context.Context, importStates []string) ([]WorkItemsSource, error) {
	rows, err := q.db.Query(ctx, listWorkItemsSourcesByImportState, importStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WorkItemsSource
	for rows.Next() {
		i, err := scanWorkItemsSource(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const mergeWorkItemsSourceData = `-- name: MergeWorkItemsSourceData :one
UPDATE work_items.work_items_sources
SET source_data = source_data || $2::jsonb,
    updated_at = now()
WHERE id = $1
RETURNING ` + sourceColumns

type MergeWorkItemsSourceDataParams struct {
	ID         int64
	SourceData []byte
}

// MergeWorkItemsSourceData shallow-merges the given object into source_data.
func (q *Queries) MergeWorkItemsSourceData(ctx context.Context, arg MergeWorkItemsSourceDataParams) (WorkItemsSource, error) {
	return scanWorkItemsSource(q.db.QueryRow(ctx, mergeWorkItemsSourceData, arg.ID, arg.SourceData))
}

const updateWorkItemsSource = `-- name: UpdateWorkItemsSource :one
UPDATE work_items.work_items_sources
SET name = COALESCE($2, name),
    parameters = COALESCE($3::jsonb, parameters),
    custom_fields = COALESCE($4::jsonb, custom_fields),
    commit_mapping_scope = COALESCE($5, commit_mapping_scope),
    commit_mapping_scope_key = COALESCE($6, commit_mapping_scope_key),
    updated_at = now()
WHERE id = $1
RETURNING ` + sourceColumns

type UpdateWorkItemsSourceParams struct {
	ID                    int64
	Name                  *string
	Parameters            []byte
	CustomFields          []byte
	CommitMappingScope    *string
	CommitMappingScopeKey *string
}

func (q *Queries) UpdateWorkItemsSource(ctx context.Context, arg UpdateWorkItemsSourceParams) (WorkItemsSource, error) {
	row := q.db.QueryRow(ctx, updateWorkItemsSource,
		arg.ID,
		arg.Name,
		arg.Parameters,
		arg.CustomFields,
		arg.CommitMappingScope,
		arg.CommitMappingScopeKey,
	)
	return scanWorkItemsSource(row)
}

const updateWorkItemsSourceImportState = `-- name: UpdateWorkItemsSourceImportState :one
UPDATE work_items.work_items_sources
SET import_state = $2,
    last_synced = CASE WHEN $3::bool THEN now() ELSE last_synced END,
    updated_at = now()
WHERE id = $1
RETURNING ` + sourceColumns

type UpdateWorkItemsSourceImportStateParams struct {
	ID          int64
	ImportState string
	StampSynced bool
}

func (q *Queries) UpdateWorkItemsSourceImportState(ctx context.Context, arg UpdateWorkItemsSourceImportStateParams) (WorkItemsSource, error) {
	return scanWorkItemsSource(q.db.QueryRow(ctx, updateWorkItemsSourceImportState, arg.ID, arg.ImportState, arg.StampSynced))
}
