// internal/database/work_items.sql.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const workItemColumns = `id, key, work_items_source_id, source_id, source_display_id, name, description, work_item_type,
	is_bug, is_epic, tags, url, source_state, priority, releases, story_points, sprints, flagged,
	commit_identifiers, api_payload, changelog, parent_id, parent_source_display_id,
	source_created_at, source_last_updated, deleted_at, last_sync, created_at, updated_at`

const workItemRefColumns = `wi.id, wi.key, wi.work_items_source_id, wi.source_display_id, wi.parent_source_display_id, wi.parent_id`

func scanWorkItem(row pgx.Row) (WorkItem, error) {
	var i WorkItem
	err := row.Scan(
		&i.ID,
		&i.Key,
		&i.WorkItemsSourceID,
		&i.SourceID,
		&i.SourceDisplayID,
		&i.Name,
		&i.Description,
		&i.WorkItemType,
		&i.IsBug,
		&i.IsEpic,
		&i.Tags,
		&i.Url,
		&i.SourceState,
		&i.Priority,
		&i.Releases,
		&i.StoryPoints,
		&i.Sprints,
		&i.Flagged,
		&i.CommitIdentifiers,
		&i.ApiPayload,
		&i.Changelog,
		&i.ParentID,
		&i.ParentSourceDisplayID,
		&i.SourceCreatedAt,
		&i.SourceLastUpdated,
		&i.DeletedAt,
		&i.LastSync,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func scanWorkItemRef(row pgx.Row) (WorkItemRef, error) {
	var i WorkItemRef
	err := row.Scan(
		&i.ID,
		&i.Key,
		&i.WorkItemsSourceID,
		&i.SourceDisplayID,
		&i.ParentSourceDisplayID,
		&i.ParentID,
	)
	return i, err
}

func collectWorkItems(rows pgx.Rows, err error) ([]WorkItem, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WorkItem
	for rows.Next() {
		i, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func collectWorkItemRefs(rows pgx.Rows, err error) ([]WorkItemRef, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WorkItemRef
	for rows.Next() {
		i, err := scanWorkItemRef(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const deleteWorkItem = `-- name: DeleteWorkItem :exec
DELETE FROM work_items.work_items WHERE id = $1
`

func (q *Queries) DeleteWorkItem(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, deleteWorkItem, id)
	return err
}

const getWorkItemByKey = `-- name: GetWorkItemByKey :one
SELECT ` + workItemColumns + `
FROM work_items.work_items
WHERE key = $1
`

func (q *Queries) GetWorkItemByKey(ctx context.Context, key uuid.UUID) (WorkItem, error) {
	return scanWorkItem(q.db.QueryRow(ctx, getWorkItemByKey, key))
}

const getWorkItemBySourceID = `-- name: GetWorkItemBySourceID :one
SELECT ` + workItemColumns + `
FROM work_items.work_items
WHERE work_items_source_id = $1 AND source_id = $2
FOR UPDATE
`

type GetWorkItemBySourceIDParams struct {
	WorkItemsSourceID int64
	SourceID          string
}

func (q *Queries) GetWorkItemBySourceID(ctx context.Context, arg GetWorkItemBySourceIDParams) (WorkItem, error) {
	return scanWorkItem(q.db.QueryRow(ctx, getWorkItemBySourceID, arg.WorkItemsSourceID, arg.SourceID))
}

const getWorkItemRefsByIDs = `-- name: GetWorkItemRefsByIDs :many
SELECT ` + workItemRefColumns + `
FROM work_items.work_items wi
WHERE wi.id = ANY($1::bigint[])
ORDER BY wi.id
`

func (q *Queries) GetWorkItemRefsByIDs(ctx context.Context, ids []int64) ([]WorkItemRef, error) {
	return collectWorkItemRefs(q.db.Query(ctx, getWorkItemRefsByIDs, ids))
}

const getWorkItemsBySourceIDs = `-- name: GetWorkItemsBySourceIDs :many
SELECT ` + workItemColumns + `
FROM work_items.work_items
WHERE work_items_source_id = $1 AND source_id = ANY($2::text[])
ORDER BY id
FOR UPDATE
`

type GetWorkItemsBySourceIDsParams struct {
	WorkItemsSourceID int64
	SourceIds         []string
}

func (q *Queries) GetWorkItemsBySourceIDs(ctx context.Context, arg GetWorkItemsBySourceIDsParams) ([]WorkItem, error) {
	return collectWorkItems(q.db.Query(ctx, getWorkItemsBySourceIDs, arg.WorkItemsSourceID, arg.SourceIds))
}

// scopeFilter restricts wi to the origin source, or to sources sharing the
// origin's commit mapping scope when cross-source resolution is enabled.
const scopeFilter = `
	(wi.work_items_source_id = origin.id
	 OR ($3::bool
	     AND origin.commit_mapping_scope_key IS NOT NULL
	     AND s.commit_mapping_scope IS NOT DISTINCT FROM origin.commit_mapping_scope
	     AND s.commit_mapping_scope_key = origin.commit_mapping_scope_key))`

const listParentCandidates = `-- name: ListParentCandidates :many
SELECT ` + workItemRefColumns + `
FROM work_items.work_items wi
JOIN work_items.work_items_sources s ON s.id = wi.work_items_source_id
JOIN work_items.work_items_sources origin ON origin.id = $1
WHERE wi.source_display_id = ANY($2::text[])
  AND wi.deleted_at IS NULL
  AND ` + scopeFilter + `
ORDER BY wi.id
`

type ListParentCandidatesParams struct {
	WorkItemsSourceID int64
	DisplayIds        []string
	CrossSource       bool
}

// ListParentCandidates returns live items whose display id is one of
// DisplayIds within the resolution scope of the given source.
func (q *Queries) ListParentCandidates(ctx context.Context, arg ListParentCandidatesParams) ([]WorkItemRef, error) {
	return collectWorkItemRefs(q.db.Query(ctx, listParentCandidates, arg.WorkItemsSourceID, arg.DisplayIds, arg.CrossSource))
}

const listUnresolvedChildren = `-- name: ListUnresolvedChildren :many
SELECT ` + workItemRefColumns + `
FROM work_items.work_items wi
JOIN work_items.work_items_sources s ON s.id = wi.work_items_source_id
JOIN work_items.work_items_sources origin ON origin.id = $1
WHERE wi.parent_id IS NULL
  AND wi.parent_source_display_id = ANY($2::text[])
  AND ` + scopeFilter + `
ORDER BY wi.id
FOR UPDATE OF wi
`

type ListUnresolvedChildrenParams struct {
	WorkItemsSourceID int64
	DisplayIds        []string
	CrossSource       bool
}

// ListUnresolvedChildren returns items still waiting for a parent named by one of DisplayIds.
func (q *Queries) ListUnresolvedChildren(ctx context.Context, arg ListUnresolvedChildrenParams) ([]WorkItemRef, error) {
	return collectWorkItemRefs(q.db.Query(ctx, listUnresolvedChildren, arg.WorkItemsSourceID, arg.DisplayIds, arg.CrossSource))
}

const listWorkItemsPage = `-- name: ListWorkItemsPage :many
SELECT ` + workItemColumns + `
FROM work_items.work_items
WHERE work_items_source_id = $1
  AND ($2::bigint = 0 OR id < $2)
ORDER BY id DESC
LIMIT $3
`

type ListWorkItemsPageParams struct {
	WorkItemsSourceID int64
	BeforeID          int64
	Limit             int32
}

// ListWorkItemsPage pages through a source by descending primary key. BeforeID 0 starts at the top.
func (q *Queries) ListWorkItemsPage(ctx context.Context, arg ListWorkItemsPageParams) ([]WorkItem, error) {
	return collectWorkItems(q.db.Query(ctx, listWorkItemsPage, arg.WorkItemsSourceID, arg.BeforeID, arg.Limit))
}

const reassignChildren = `-- name: ReassignChildren :execrows
UPDATE work_items.work_items
SET parent_id = $2, updated_at = now()
WHERE parent_id = $1
`

type ReassignChildrenParams struct {
	FromParentID int64
	ToParentID   int64
}

func (q *Queries) ReassignChildren(ctx context.Context, arg ReassignChildrenParams) (int64, error) {
	tag, err := q.db.Exec(ctx, reassignChildren, arg.FromParentID, arg.ToParentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const relocateWorkItem = `-- name: RelocateWorkItem :exec
UPDATE work_items.work_items
SET work_items_source_id = $2, updated_at = now()
WHERE id = $1
`

type RelocateWorkItemParams struct {
	ID                int64
	WorkItemsSourceID int64
}

func (q *Queries) RelocateWorkItem(ctx context.Context, arg RelocateWorkItemParams) error {
	_, err := q.db.Exec(ctx, relocateWorkItem, arg.ID, arg.WorkItemsSourceID)
	return err
}

const setWorkItemParent = `-- name: SetWorkItemParent :exec
UPDATE work_items.work_items
SET parent_id = $2, updated_at = now()
WHERE id = $1
`

type SetWorkItemParentParams struct {
	ID       int64
	ParentID *int64
}

func (q *Queries) SetWorkItemParents(ctx context.Context, arg []SetWorkItemParentParams) error {
	if len(arg) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range arg {
		batch.Queue(setWorkItemParent, a.ID, a.ParentID)
	}
	br := q.db.SendBatch(ctx, batch)
	defer br.Close()
	for range arg {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return br.Close()
}

const softDeleteWorkItems = `-- name: SoftDeleteWorkItems :many
UPDATE work_items.work_items wi
SET deleted_at = $3, updated_at = now()
WHERE wi.work_items_source_id = $1
  AND wi.source_id = ANY($2::text[])
  AND wi.deleted_at IS NULL
RETURNING ` + workItemRefColumns

type SoftDeleteWorkItemsParams struct {
	WorkItemsSourceID int64
	SourceIds         []string
	DeletedAt         time.Time
}

func (q *Queries) SoftDeleteWorkItems(ctx context.Context, arg SoftDeleteWorkItemsParams) ([]WorkItemRef, error) {
	return collectWorkItemRefs(q.db.Query(ctx, softDeleteWorkItems, arg.WorkItemsSourceID, arg.SourceIds, arg.DeletedAt))
}

const upsertWorkItem = `-- name: UpsertWorkItem :one
INSERT INTO work_items.work_items (
	key, work_items_source_id, source_id, source_display_id, name, description, work_item_type,
	is_bug, is_epic, tags, url, source_state, priority, releases, story_points, sprints, flagged,
	commit_identifiers, api_payload, changelog, parent_id, parent_source_display_id,
	source_created_at, source_last_updated, deleted_at, last_sync
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::text[], '{}'), $11, $12, $13, $14, $15, $16, $17,
	$18, $19::jsonb, $20::jsonb, $21, $22, $23, $24, $25, $26
)
ON CONFLICT (work_items_source_id, source_id) DO UPDATE SET
	source_display_id = EXCLUDED.source_display_id,
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	work_item_type = EXCLUDED.work_item_type,
	is_bug = EXCLUDED.is_bug,
	is_epic = EXCLUDED.is_epic,
	tags = EXCLUDED.tags,
	url = EXCLUDED.url,
	source_state = EXCLUDED.source_state,
	priority = EXCLUDED.priority,
	releases = EXCLUDED.releases,
	story_points = EXCLUDED.story_points,
	sprints = EXCLUDED.sprints,
	flagged = EXCLUDED.flagged,
	commit_identifiers = EXCLUDED.commit_identifiers,
	api_payload = EXCLUDED.api_payload,
	changelog = EXCLUDED.changelog,
	parent_id = EXCLUDED.parent_id,
	parent_source_display_id = EXCLUDED.parent_source_display_id,
	source_created_at = EXCLUDED.source_created_at,
	source_last_updated = EXCLUDED.source_last_updated,
	deleted_at = EXCLUDED.deleted_at,
	last_sync = EXCLUDED.last_sync,
	updated_at = now()
RETURNING id, key, (xmax = 0) AS inserted
`

type UpsertWorkItemParams struct {
	Key                   uuid.UUID
	WorkItemsSourceID     int64
	SourceID              string
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
	LastSync              time.Time
}

type UpsertWorkItemRow struct {
	ID       int64
	Key      uuid.UUID
	Inserted bool
}

// UpsertWorkItems writes every row in one round trip keyed on
// (work_items_source_id, source_id). Rows must carry distinct source ids.
func (q *Queries) UpsertWorkItems(ctx context.Context, arg []UpsertWorkItemParams) ([]UpsertWorkItemRow, error) {
	if len(arg) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, a := range arg {
		batch.Queue(upsertWorkItem,
			a.Key,
			a.WorkItemsSourceID,
			a.SourceID,
			a.SourceDisplayID,
			a.Name,
			a.Description,
			a.WorkItemType,
			a.IsBug,
			a.IsEpic,
			a.Tags,
			a.Url,
			a.SourceState,
			a.Priority,
			a.Releases,
			a.StoryPoints,
			a.Sprints,
			a.Flagged,
			a.CommitIdentifiers,
			a.ApiPayload,
			a.Changelog,
			a.ParentID,
			a.ParentSourceDisplayID,
			a.SourceCreatedAt,
			a.SourceLastUpdated,
			a.DeletedAt,
			a.LastSync,
		)
	}
	br := q.db.SendBatch(ctx, batch)
	defer br.Close()
	items := make([]UpsertWorkItemRow, 0, len(arg))
	for range arg {
		var i UpsertWorkItemRow
		if err := br.QueryRow().Scan(&i.ID, &i.Key, &i.Inserted); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, br.Close()
}
