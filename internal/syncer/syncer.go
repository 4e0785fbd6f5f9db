// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"work-items-sync/internal/connector"
	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
)

// TxBeginner starts database transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options configures the reconciler.
type Options struct {
	// CrossSourceResolution lets parent references resolve against other
	// sources sharing the same commit mapping scope.
	CrossSourceResolution bool
	// Now stamps last_sync and soft deletes. Defaults to time.Now.
	Now func() time.Time
}

// Syncer reconciles mapped records into the canonical store.
type Syncer struct {
	db       TxBeginner
	queries  func(pgx.Tx) database.Querier
	registry *connector.Registry
	logger   *slog.Logger
	opts     Options
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(db TxBeginner, registry *connector.Registry, logger *slog.Logger, opts Options) *Syncer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		db:       db,
		queries:  func(tx pgx.Tx) database.Querier { return database.New(tx) },
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// inTransaction runs fn against a querier bound to a single transaction.
func (s *Syncer) inTransaction(ctx context.Context, fn func(q database.Querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &custom_errors.PersistenceError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	if err := fn(s.queries(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &custom_errors.PersistenceError{Op: "commit transaction", Err: err}
	}
	return nil
}

// Sync upserts a batch of records into the source identified by sourceKey and
// resolves parent references in the same transaction. Records that fail
// validation are reported in the change set and do not abort the batch.
func (s *Syncer) Sync(ctx context.Context, sourceKey uuid.UUID, records []*model.Record) (*model.ChangeSet, error) {
	var cs *model.ChangeSet
	err := s.inTransaction(ctx, func(q database.Querier) error {
		src, err := loadSource(ctx, q, sourceKey)
		if err != nil {
			return err
		}
		cs, err = s.syncRecords(ctx, q, &src, records, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// batchItem tracks one written row through reference resolution.
type batchItem struct {
	id        int64
	key       uuid.UUID
	sourceID  string
	displayID *string
	hint      *string
	// hinted is set when the incoming record carried a non-null parent hint.
	hinted       bool
	storedParent *int64
	parent       *int64
	isNew        bool
	isUpdated    bool
	// deleted items are never offered as parents.
	deleted bool
}

// syncRecords is the reconciler body shared by Sync, Move and Reprocess.
// keepUnresolved leaves an existing parent link in place when its hint
// finds no candidate.
func (s *Syncer) syncRecords(ctx context.Context, q database.Querier, src *database.WorkItemsSource, records []*model.Record, keepUnresolved bool) (*model.ChangeSet, error) {
	logger := s.logger.With("source_key", src.Key, "batch_size", len(records))
	cs := &model.ChangeSet{SourceKey: src.Key, Results: []model.SyncResult{}}

	order, pending := s.coalesce(logger, cs, records)
	if len(order) == 0 {
		return cs, nil
	}

	stored, err := q.GetWorkItemsBySourceIDs(ctx, database.GetWorkItemsBySourceIDsParams{
		WorkItemsSourceID: src.ID,
		SourceIds:         order,
	})
	if err != nil {
		return nil, &custom_errors.PersistenceError{Op: "load work items", Err: err}
	}
	existing := make(map[string]*database.WorkItem, len(stored))
	for i := range stored {
		if stored[i].SourceID != nil {
			existing[*stored[i].SourceID] = &stored[i]
		}
	}

	now := s.opts.Now().UTC().Truncate(time.Microsecond)
	params := make([]database.UpsertWorkItemParams, 0, len(order))
	items := make([]*batchItem, 0, len(order))
	for _, id := range order {
		rec := pending[id]
		item := &batchItem{sourceID: id, hinted: rec.ParentSourceDisplayID.HasValue()}

		var p database.UpsertWorkItemParams
		if row, ok := existing[id]; ok {
			p = existingRow(row, now)
			applyRecord(&p, rec)
			if rec.ParentSourceDisplayID.Null && row.ParentSourceDisplayID != nil {
				p.ParentID = nil
			}
			item.storedParent = row.ParentID
			item.isUpdated = anyChanged(row, &p, materialAttributes)
			p.Changelog, err = applyChangelogPolicy(row.Changelog, rec.Changelog)
		} else {
			p = newRow(src.ID, rec, now)
			p.Changelog, err = applyChangelogPolicy(nil, rec.Changelog)
		}
		if err != nil {
			return nil, err
		}

		item.displayID = p.SourceDisplayID
		item.deleted = p.DeletedAt != nil
		item.hint = p.ParentSourceDisplayID
		item.parent = p.ParentID
		params = append(params, p)
		items = append(items, item)
	}

	rows, err := q.UpsertWorkItems(ctx, params)
	if err != nil {
		return nil, &custom_errors.PersistenceError{Op: "upsert work items", Err: err}
	}
	if len(rows) != len(items) {
		return nil, &custom_errors.PersistenceError{Op: "upsert work items", Err: fmt.Errorf("wrote %d rows for %d records", len(rows), len(items))}
	}
	keys := make(map[int64]uuid.UUID, len(rows))
	for i, row := range rows {
		items[i].id = row.ID
		items[i].key = row.Key
		items[i].isNew = row.Inserted
		keys[row.ID] = row.Key
	}

	r := &resolver{q: q, src: src, logger: logger, crossSource: s.opts.CrossSourceResolution, keys: keys}
	if err := r.forward(ctx, items, keepUnresolved); err != nil {
		return nil, err
	}
	backfilled, err := r.backward(ctx, items)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if !item.isNew && !ptrEqual(item.parent, item.storedParent) {
			item.isUpdated = true
		}
		if item.isNew {
			item.isUpdated = false
		}
		cs.Results = append(cs.Results, model.SyncResult{
			Key:       item.key,
			DisplayID: item.displayID,
			IsNew:     item.isNew,
			IsUpdated: item.isUpdated,
			ID:        item.id,
			SourceID:  item.sourceID,
			ParentID:  item.parent,
		})
	}
	cs.Results = append(cs.Results, backfilled...)

	if err := r.fillParentKeys(ctx, cs.Results); err != nil {
		return nil, err
	}

	logger.Debug("Synced work items", "written", len(items), "backfilled", len(backfilled), "rejected", len(cs.Rejected))
	return cs, nil
}

// coalesce validates records and folds duplicate source ids into one record,
// later attributes winning. It returns the distinct source ids in first-seen order.
func (s *Syncer) coalesce(logger *slog.Logger, cs *model.ChangeSet, records []*model.Record) ([]string, map[string]*model.Record) {
	var order []string
	pending := make(map[string]*model.Record, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := rec.Validate(); err != nil {
			var mErr *custom_errors.MappingError
			if errors.As(err, &mErr) {
				cs.Rejected = append(cs.Rejected, mErr)
			}
			logger.Warn("Skipping record that failed validation", "error", err)
			continue
		}
		if prev, ok := pending[rec.SourceID]; ok {
			pending[rec.SourceID] = overlay(prev, rec)
			continue
		}
		pending[rec.SourceID] = rec
		order = append(order, rec.SourceID)
	}
	return order, pending
}

// Delete soft-deletes the live items of a source with the given source ids.
func (s *Syncer) Delete(ctx context.Context, sourceKey uuid.UUID, sourceIDs []string) (*model.ChangeSet, error) {
	cs := &model.ChangeSet{SourceKey: sourceKey, Results: []model.SyncResult{}}
	if len(sourceIDs) == 0 {
		return cs, nil
	}
	err := s.inTransaction(ctx, func(q database.Querier) error {
		src, err := loadSource(ctx, q, sourceKey)
		if err != nil {
			return err
		}
		refs, err := q.SoftDeleteWorkItems(ctx, database.SoftDeleteWorkItemsParams{
			WorkItemsSourceID: src.ID,
			SourceIds:         sourceIDs,
			DeletedAt:         s.opts.Now().UTC().Truncate(time.Microsecond),
		})
		if err != nil {
			return &custom_errors.PersistenceError{Op: "soft delete work items", Err: err}
		}
		r := &resolver{q: q, src: &src, logger: s.logger, keys: map[int64]uuid.UUID{}}
		for _, ref := range refs {
			cs.Results = append(cs.Results, model.SyncResult{
				Key:       ref.Key,
				DisplayID: ref.SourceDisplayID,
				IsUpdated: true,
				ID:        ref.ID,
				ParentID:  ref.ParentID,
			})
		}
		return r.fillParentKeys(ctx, cs.Results)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Soft deleted work items", "source_key", sourceKey, "requested", len(sourceIDs), "deleted", len(cs.Results))
	return cs, nil
}

func loadSource(ctx context.Context, q database.Querier, key uuid.UUID) (database.WorkItemsSource, error) {
	src, err := q.GetWorkItemsSourceByKey(ctx, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return database.WorkItemsSource{}, &custom_errors.SourceNotFoundError{Key: key}
	} else if err != nil {
		return database.WorkItemsSource{}, &custom_errors.PersistenceError{Op: "load work items source", Err: err}
	}
	return src, nil
}
