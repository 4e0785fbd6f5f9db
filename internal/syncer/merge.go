// internal/syncer/merge.go
package syncer

import (
	"bytes"
	"encoding/json"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"work-items-sync/internal/database"
	"work-items-sync/internal/model"
)

// attributeChanged reports whether one attribute differs between a stored
// row and the row about to be written.
type attributeChanged func(stored *database.WorkItem, next *database.UpsertWorkItemParams) bool

var attributes = map[string]attributeChanged{
	"name": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool { return !ptrEqual(a.Name, b.Name) },
	"description": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.Description, b.Description)
	},
	"is_bug": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool { return a.IsBug != b.IsBug },
	"work_item_type": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.WorkItemType, b.WorkItemType)
	},
	"is_epic": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool { return a.IsEpic != b.IsEpic },
	"tags":    func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool { return !tagsEqual(a.Tags, b.Tags) },
	"url":     func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool { return !ptrEqual(a.Url, b.Url) },
	"source_state": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.SourceState, b.SourceState)
	},
	"source_display_id": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.SourceDisplayID, b.SourceDisplayID)
	},
	"priority": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.Priority, b.Priority)
	},
	"releases": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !sliceEqual(a.Releases, b.Releases)
	},
	"story_points": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.StoryPoints, b.StoryPoints)
	},
	"sprints": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !sliceEqual(a.Sprints, b.Sprints)
	},
	"flagged": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.Flagged, b.Flagged)
	},
	"commit_identifiers": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !sliceEqual(a.CommitIdentifiers, b.CommitIdentifiers)
	},
	"api_payload": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !jsonEqual(a.ApiPayload, b.ApiPayload)
	},
	"deleted_at": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !timeEqual(a.DeletedAt, b.DeletedAt)
	},
	"parent_source_display_id": func(a *database.WorkItem, b *database.UpsertWorkItemParams) bool {
		return !ptrEqual(a.ParentSourceDisplayID, b.ParentSourceDisplayID)
	},
}

// materialAttributes decide is_updated. last_sync and source_last_updated are
// stamped on every write but never count as a change on their own.
var materialAttributes = []string{
	"name", "description", "is_bug", "work_item_type", "is_epic", "tags", "url", "source_state",
	"source_display_id", "priority", "releases", "story_points", "sprints", "flagged",
	"commit_identifiers", "api_payload", "deleted_at",
}

// Attributes lists the attribute names the reprocessor can compare.
func Attributes() []string {
	names := make([]string, 0, len(attributes))
	for name := range attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func anyChanged(stored *database.WorkItem, next *database.UpsertWorkItemParams, names []string) bool {
	for _, name := range names {
		if changed, ok := attributes[name]; ok && changed(stored, next) {
			return true
		}
	}
	return false
}

// newRow builds the row for a record seen for the first time.
func newRow(sourceID int64, rec *model.Record, now time.Time) database.UpsertWorkItemParams {
	p := database.UpsertWorkItemParams{
		Key:               uuid.New(),
		WorkItemsSourceID: sourceID,
		SourceID:          rec.SourceID,
		Tags:              []string{},
		LastSync:          now,
	}
	applyRecord(&p, rec)
	return p
}

// existingRow copies a stored row so a record can be laid over it.
func existingRow(row *database.WorkItem, now time.Time) database.UpsertWorkItemParams {
	p := database.UpsertWorkItemParams{
		Key:                   row.Key,
		WorkItemsSourceID:     row.WorkItemsSourceID,
		SourceDisplayID:       row.SourceDisplayID,
		Name:                  row.Name,
		Description:           row.Description,
		WorkItemType:          row.WorkItemType,
		IsBug:                 row.IsBug,
		IsEpic:                row.IsEpic,
		Tags:                  row.Tags,
		Url:                   row.Url,
		SourceState:           row.SourceState,
		Priority:              row.Priority,
		Releases:              row.Releases,
		StoryPoints:           row.StoryPoints,
		Sprints:               row.Sprints,
		Flagged:               row.Flagged,
		CommitIdentifiers:     row.CommitIdentifiers,
		ApiPayload:            row.ApiPayload,
		Changelog:             row.Changelog,
		ParentID:              row.ParentID,
		ParentSourceDisplayID: row.ParentSourceDisplayID,
		SourceCreatedAt:       row.SourceCreatedAt,
		SourceLastUpdated:     row.SourceLastUpdated,
		DeletedAt:             row.DeletedAt,
		LastSync:              now,
	}
	if row.SourceID != nil {
		p.SourceID = *row.SourceID
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return p
}

// applyRecord writes every present attribute of rec onto p. Absent
// attributes leave p untouched; explicit nulls clear the column.
func applyRecord(p *database.UpsertWorkItemParams, rec *model.Record) {
	setPtr(&p.SourceDisplayID, rec.SourceDisplayID)
	setPtr(&p.Name, rec.Name)
	setPtr(&p.Description, rec.Description)
	setPtr(&p.WorkItemType, rec.WorkItemType)
	if rec.IsBug.Present() {
		p.IsBug = rec.IsBug.Or(false)
	}
	if rec.IsEpic.Present() {
		p.IsEpic = rec.IsEpic.Or(false)
	}
	if rec.Tags.Present() {
		p.Tags = normalizeTags(rec.Tags.Value)
	}
	setPtr(&p.Url, rec.URL)
	setPtr(&p.SourceState, rec.SourceState)
	setPtr(&p.Priority, rec.Priority)
	setSlice(&p.Releases, rec.Releases)
	setPtr(&p.StoryPoints, rec.StoryPoints)
	setSlice(&p.Sprints, rec.Sprints)
	setPtr(&p.Flagged, rec.Flagged)
	setSlice(&p.CommitIdentifiers, rec.CommitIdentifiers)
	if rec.APIPayload.Present() {
		p.ApiPayload = nil
		if rec.APIPayload.HasValue() {
			p.ApiPayload = []byte(rec.APIPayload.Value)
		}
	}
	setPtr(&p.ParentSourceDisplayID, rec.ParentSourceDisplayID)
	setTime(&p.SourceCreatedAt, rec.SourceCreatedAt)
	setTime(&p.SourceLastUpdated, rec.SourceLastUpdated)
	setTime(&p.DeletedAt, rec.DeletedAt)
}

func setPtr[T any](dst **T, f model.Field[T]) {
	if f.Present() {
		*dst = f.Ptr()
	}
}

func setSlice[T any](dst *[]T, f model.Field[[]T]) {
	if f.Present() {
		*dst = f.Value
		if f.Null {
			*dst = nil
		}
	}
}

// setTime stores times at the database's microsecond precision so a
// re-delivered record compares equal to what was written.
func setTime(dst **time.Time, f model.Field[time.Time]) {
	if !f.Present() {
		return
	}
	if f.Null {
		*dst = nil
		return
	}
	t := f.Value.UTC().Truncate(time.Microsecond)
	*dst = &t
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sliceEqual(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return slices.Equal(a, b)
}

func tagsEqual(a, b []string) bool {
	return sliceEqual(normalizeTags(a), normalizeTags(b))
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

// jsonEqual compares documents structurally; jsonb does not keep key order or whitespace.
func jsonEqual(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// overlay folds next onto prev when a batch carries the same source id twice.
// Attributes present in next win.
func overlay(prev, next *model.Record) *model.Record {
	out := *prev
	overlayField(&out.SourceDisplayID, next.SourceDisplayID)
	overlayField(&out.Name, next.Name)
	overlayField(&out.Description, next.Description)
	overlayField(&out.WorkItemType, next.WorkItemType)
	overlayField(&out.IsBug, next.IsBug)
	overlayField(&out.IsEpic, next.IsEpic)
	overlayField(&out.Tags, next.Tags)
	overlayField(&out.URL, next.URL)
	overlayField(&out.SourceState, next.SourceState)
	overlayField(&out.Priority, next.Priority)
	overlayField(&out.Releases, next.Releases)
	overlayField(&out.StoryPoints, next.StoryPoints)
	overlayField(&out.Sprints, next.Sprints)
	overlayField(&out.Flagged, next.Flagged)
	overlayField(&out.CommitIdentifiers, next.CommitIdentifiers)
	overlayField(&out.APIPayload, next.APIPayload)
	overlayField(&out.Changelog, next.Changelog)
	overlayField(&out.ParentSourceDisplayID, next.ParentSourceDisplayID)
	overlayField(&out.SourceCreatedAt, next.SourceCreatedAt)
	overlayField(&out.SourceLastUpdated, next.SourceLastUpdated)
	overlayField(&out.DeletedAt, next.DeletedAt)
	return &out
}

func overlayField[T any](dst *model.Field[T], f model.Field[T]) {
	if f.Present() {
		*dst = f
	}
}
