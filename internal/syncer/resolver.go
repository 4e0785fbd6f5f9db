// internal/syncer/resolver.go
package syncer

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"github.com/google/uuid"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
)

// resolver maintains parent_id from parent_source_display_id hints for one
// batch, inside the batch's transaction.
type resolver struct {
	q           database.Querier
	src         *database.WorkItemsSource
	logger      *slog.Logger
	crossSource bool
	// keys caches the external key of every row id seen so far.
	keys map[int64]uuid.UUID
}

// forward links batch items to parents that already exist. Items whose
// record carried a hint are recomputed every time, so a changed hint
// re-parents them. Items whose hint was omitted are only resolved while
// they have no parent.
func (r *resolver) forward(ctx context.Context, items []*batchItem, keepUnresolved bool) error {
	var need []*batchItem
	wanted := map[string]struct{}{}
	for _, item := range items {
		if item.hint == nil || (!item.hinted && item.parent != nil) {
			continue
		}
		need = append(need, item)
		wanted[*item.hint] = struct{}{}
	}
	if len(need) == 0 {
		return nil
	}

	candidates, err := r.q.ListParentCandidates(ctx, database.ListParentCandidatesParams{
		WorkItemsSourceID: r.src.ID,
		DisplayIds:        sortedKeys(wanted),
		CrossSource:       r.crossSource,
	})
	if err != nil {
		return &custom_errors.PersistenceError{Op: "list parent candidates", Err: err}
	}
	byDisplay := make(map[string][]database.WorkItemRef, len(wanted))
	for _, c := range candidates {
		r.keys[c.ID] = c.Key
		if c.SourceDisplayID != nil {
			byDisplay[*c.SourceDisplayID] = append(byDisplay[*c.SourceDisplayID], c)
		}
	}

	var updates []database.SetWorkItemParentParams
	for _, item := range need {
		var next *int64
		if chosen, ok := r.pick(*item.hint, byDisplay[*item.hint], r.src.ID, item.id); ok {
			next = &chosen.ID
		} else if keepUnresolved || !item.hinted {
			continue
		}
		if ptrEqual(next, item.parent) {
			continue
		}
		item.parent = next
		updates = append(updates, database.SetWorkItemParentParams{ID: item.id, ParentID: next})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := r.q.SetWorkItemParents(ctx, updates); err != nil {
		return &custom_errors.PersistenceError{Op: "set work item parents", Err: err}
	}
	return nil
}

// backward links items that were waiting for one of the batch's display ids.
// Every linked item is returned as an updated result.
func (r *resolver) backward(ctx context.Context, items []*batchItem) ([]model.SyncResult, error) {
	inBatch := make(map[int64]struct{}, len(items))
	byDisplay := map[string][]database.WorkItemRef{}
	for _, item := range items {
		inBatch[item.id] = struct{}{}
		if item.displayID == nil || item.deleted {
			continue
		}
		byDisplay[*item.displayID] = append(byDisplay[*item.displayID], database.WorkItemRef{
			ID:                item.id,
			Key:               item.key,
			WorkItemsSourceID: r.src.ID,
			SourceDisplayID:   item.displayID,
		})
	}
	if len(byDisplay) == 0 {
		return nil, nil
	}

	displayIDs := make([]string, 0, len(byDisplay))
	for d := range byDisplay {
		displayIDs = append(displayIDs, d)
	}
	sort.Strings(displayIDs)
	children, err := r.q.ListUnresolvedChildren(ctx, database.ListUnresolvedChildrenParams{
		WorkItemsSourceID: r.src.ID,
		DisplayIds:        displayIDs,
		CrossSource:       r.crossSource,
	})
	if err != nil {
		return nil, &custom_errors.PersistenceError{Op: "list unresolved children", Err: err}
	}

	var (
		updates []database.SetWorkItemParentParams
		results []model.SyncResult
	)
	for _, child := range children {
		if _, ok := inBatch[child.ID]; ok || child.ParentSourceDisplayID == nil {
			continue
		}
		hint := *child.ParentSourceDisplayID
		chosen, ok := r.pick(hint, byDisplay[hint], child.WorkItemsSourceID, child.ID)
		if !ok {
			continue
		}
		r.keys[child.ID] = child.Key
		parentID := chosen.ID
		updates = append(updates, database.SetWorkItemParentParams{ID: child.ID, ParentID: &parentID})
		results = append(results, model.SyncResult{
			Key:       child.Key,
			DisplayID: child.SourceDisplayID,
			IsUpdated: true,
			ID:        child.ID,
			ParentID:  &parentID,
		})
	}
	if len(updates) == 0 {
		return nil, nil
	}
	if err := r.q.SetWorkItemParents(ctx, updates); err != nil {
		return nil, &custom_errors.PersistenceError{Op: "backfill work item parents", Err: err}
	}
	r.logger.Info("Backfilled parent references", "count", len(results))
	return results, nil
}

// pick applies the tie-break and logs when more than one candidate matched.
func (r *resolver) pick(displayID string, candidates []database.WorkItemRef, childSourceID, childID int64) (database.WorkItemRef, bool) {
	chosen, matched, ok := pickParent(candidates, childSourceID, childID)
	if ok && len(matched) > 1 {
		r.logger.Warn("Ambiguous parent reference", "error", &custom_errors.ReferenceAmbiguityError{
			DisplayID:    displayID,
			CandidateIDs: matched,
			ChosenID:     chosen.ID,
		})
	}
	return chosen, ok
}

// pickParent prefers a candidate from the child's own source, then the lowest
// id. An item is never its own parent. matched lists every eligible id.
func pickParent(candidates []database.WorkItemRef, childSourceID, childID int64) (chosen database.WorkItemRef, matched []int64, ok bool) {
	for _, c := range candidates {
		if c.ID == childID {
			continue
		}
		matched = append(matched, c.ID)
		if !ok || better(c, chosen, childSourceID) {
			chosen, ok = c, true
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	return chosen, matched, ok
}

func better(a, b database.WorkItemRef, sourceID int64) bool {
	aSame, bSame := a.WorkItemsSourceID == sourceID, b.WorkItemsSourceID == sourceID
	if aSame != bSame {
		return aSame
	}
	return a.ID < b.ID
}

// fillParentKeys sets ParentKey on every result that has a parent id,
// loading keys the batch has not seen yet.
func (r *resolver) fillParentKeys(ctx context.Context, results []model.SyncResult) error {
	var missing []int64
	for _, res := range results {
		if res.ParentID == nil {
			continue
		}
		if _, ok := r.keys[*res.ParentID]; !ok {
			missing = append(missing, *res.ParentID)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		refs, err := r.q.GetWorkItemRefsByIDs(ctx, slices.Compact(missing))
		if err != nil {
			return &custom_errors.PersistenceError{Op: "load parent keys", Err: err}
		}
		for _, ref := range refs {
			r.keys[ref.ID] = ref.Key
		}
	}
	for i := range results {
		if results[i].ParentID == nil {
			continue
		}
		if key, ok := r.keys[*results[i].ParentID]; ok {
			results[i].ParentKey = &key
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
