// internal/syncer/reprocess.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
)

const (
	// DefaultReprocessBatchSize is used when ReprocessOptions.BatchSize is not positive.
	DefaultReprocessBatchSize = 500
	// MaxReprocessBatchSize caps larger requested batch sizes.
	MaxReprocessBatchSize = 10_000
)

// ErrUnknownAttribute is returned for attribute names the reprocessor cannot compare.
var ErrUnknownAttribute = errors.New("unknown work item attribute")

type ReprocessOptions struct {
	// Attributes to compare. Empty means every material attribute.
	Attributes []string
	BatchSize  int
	// BeforeID resumes a previous run at the cursor it reported. Zero starts
	// with the newest item.
	BeforeID int64
}

// ReprocessBatch is the outcome of one page.
type ReprocessBatch struct {
	// Cursor is the lowest id in the page; pass it as BeforeID to resume.
	Cursor    int64            `json:"cursor"`
	Checked   int              `json:"checked"`
	ChangeSet *model.ChangeSet `json:"change_set"`
}

// Reprocess replays stored payloads of a source through its current mapper,
// newest first, one transaction per page. Only records that differ on one of
// the checked attributes are written. The sequence stops at the first error.
func (s *Syncer) Reprocess(ctx context.Context, sourceKey uuid.UUID, opts ReprocessOptions) iter.Seq2[*ReprocessBatch, error] {
	return func(yield func(*ReprocessBatch, error) bool) {
		attrs := opts.Attributes
		if len(attrs) == 0 {
			attrs = materialAttributes
		}
		for _, name := range attrs {
			if _, ok := attributes[name]; !ok {
				yield(nil, fmt.Errorf("%w: %q", ErrUnknownAttribute, name))
				return
			}
		}
		size := opts.BatchSize
		if size <= 0 {
			size = DefaultReprocessBatchSize
		}
		size = min(size, MaxReprocessBatchSize)

		cursor := opts.BeforeID
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			batch, n, err := s.reprocessPage(ctx, sourceKey, attrs, cursor, size)
			if err != nil {
				yield(nil, err)
				return
			}
			if n == 0 {
				return
			}
			cursor = batch.Cursor
			if !yield(batch, nil) || n < size {
				return
			}
		}
	}
}

func (s *Syncer) reprocessPage(ctx context.Context, sourceKey uuid.UUID, attrs []string, before int64, size int) (*ReprocessBatch, int, error) {
	var (
		batch = &ReprocessBatch{}
		n     int
	)
	err := s.inTransaction(ctx, func(q database.Querier) error {
		src, err := loadSource(ctx, q, sourceKey)
		if err != nil {
			return err
		}
		mapper, err := s.registry.Mapper(src.IntegrationType)
		if err != nil {
			return err
		}
		rows, err := q.ListWorkItemsPage(ctx, database.ListWorkItemsPageParams{
			WorkItemsSourceID: src.ID,
			BeforeID:          before,
			Limit:             int32(size),
		})
		if err != nil {
			return &custom_errors.PersistenceError{Op: "list work items page", Err: err}
		}
		n = len(rows)
		if n == 0 {
			return nil
		}
		batch.Cursor = rows[n-1].ID

		var (
			changed  []*model.Record
			rejected []*custom_errors.MappingError
		)
		for i := range rows {
			row := &rows[i]
			if len(row.ApiPayload) == 0 || row.SourceID == nil {
				continue
			}
			batch.Checked++
			rec, err := mapper.MapRecord(&src, row.ApiPayload)
			if err != nil {
				var mErr *custom_errors.MappingError
				if !errors.As(err, &mErr) {
					mErr = &custom_errors.MappingError{Field: "api_payload", Reason: err.Error()}
				}
				mErr.SourceID = *row.SourceID
				rejected = append(rejected, mErr)
				continue
			}
			rec.SourceID = *row.SourceID

			next := existingRow(row, row.UpdatedAt)
			applyRecord(&next, rec)
			if anyChanged(row, &next, attrs) {
				changed = append(changed, rec)
			}
		}

		cs, err := s.syncRecords(ctx, q, &src, changed, false)
		if err != nil {
			return err
		}
		cs.Rejected = append(rejected, cs.Rejected...)
		batch.ChangeSet = cs
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if n > 0 {
		s.logger.Info("Reprocessed page", "source_key", sourceKey, "checked", batch.Checked, "changed", len(batch.ChangeSet.Results), "cursor", batch.Cursor)
	}
	return batch, n, nil
}
