// internal/syncer/move.go
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
)

// Move relocates the record's work item from sourceKey to targetKey. After
// it commits exactly one live row carries the record's source id across the
// two sources, and it lives in the target.
//
// When the target already has the item, it is updated in place, children of
// the old row are pointed at it and the old row is hard-deleted. Otherwise
// the old row itself is moved, keeping its id, key and resolved parent. With
// no old row the move is a plain create in the target.
func (s *Syncer) Move(ctx context.Context, sourceKey, targetKey uuid.UUID, rec *model.Record) (*model.MoveResult, error) {
	if rec == nil {
		return nil, &custom_errors.MappingError{Field: "source_id", Reason: "missing"}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	var result *model.MoveResult
	err := s.inTransaction(ctx, func(q database.Querier) error {
		src, err := loadSource(ctx, q, sourceKey)
		if err != nil {
			return err
		}
		tgt, err := loadSource(ctx, q, targetKey)
		if err != nil {
			return err
		}
		logger := s.logger.With("source_key", sourceKey, "target_key", targetKey, "source_id", rec.SourceID)

		var old *database.WorkItem
		if src.ID != tgt.ID {
			if old, err = findWorkItem(ctx, q, src.ID, rec.SourceID); err != nil {
				return err
			}
		}
		existing, err := findWorkItem(ctx, q, tgt.ID, rec.SourceID)
		if err != nil {
			return err
		}

		relocated := old != nil && existing == nil
		if relocated {
			if err := q.RelocateWorkItem(ctx, database.RelocateWorkItemParams{ID: old.ID, WorkItemsSourceID: tgt.ID}); err != nil {
				return &custom_errors.PersistenceError{Op: "relocate work item", Err: err}
			}
		}

		cs, err := s.syncRecords(ctx, q, &tgt, []*model.Record{rec}, relocated)
		if err != nil {
			return err
		}
		if len(cs.Results) == 0 {
			return fmt.Errorf("move %q: record was not written", rec.SourceID)
		}
		moved := cs.Results[0]

		if old != nil && existing != nil {
			n, err := q.ReassignChildren(ctx, database.ReassignChildrenParams{FromParentID: old.ID, ToParentID: moved.ID})
			if err != nil {
				return &custom_errors.PersistenceError{Op: "reassign children", Err: err}
			}
			if err := q.DeleteWorkItem(ctx, old.ID); err != nil {
				return &custom_errors.PersistenceError{Op: "delete moved work item", Err: err}
			}
			logger.Info("Merged moved work item into existing target row", "children", n)
		} else if relocated {
			logger.Info("Relocated work item to target source")
		} else {
			logger.Info("No work item to move, created in target source")
		}

		moved.IsMoved = old != nil
		result = &model.MoveResult{SyncResult: moved, Backfilled: cs.Results[1:]}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// findWorkItem returns nil without error when no row matches.
func findWorkItem(ctx context.Context, q database.Querier, sourceID int64, id string) (*database.WorkItem, error) {
	row, err := q.GetWorkItemBySourceID(ctx, database.GetWorkItemBySourceIDParams{WorkItemsSourceID: sourceID, SourceID: id})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, &custom_errors.PersistenceError{Op: "load work item", Err: err}
	}
	return &row, nil
}
