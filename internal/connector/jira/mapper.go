// internal/connector/jira/mapper.go
package jira

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"work-items-sync/internal/connector"
	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
	"work-items-sync/internal/tags"
)

// IntegrationType is the integration_type value served by this package.
const IntegrationType = "jira"

// Custom field names looked up through the source's field metadata.
const (
	fieldStoryPoints         = "Story Points"
	fieldStoryPointEstimate  = "Story point estimate"
	fieldSprint              = "Sprint"
	fieldFlagged             = "Flagged"
	fieldEpicLink            = "Epic Link"
	timeLayout               = "2006-01-02T15:04:05.000-0700"
	changelogStatusFieldName = "status"
)

// Mapper maps Jira REST issue documents (expanded with changelog) to records.
type Mapper struct{}

// New returns a Jira mapper.
func New() *Mapper { return &Mapper{} }

func (m *Mapper) IntegrationType() string { return IntegrationType }

// MapRecord maps one issue document. Jira documents are complete, so an
// issue without a parent maps to an explicit null parent hint.
func (m *Mapper) MapRecord(src *database.WorkItemsSource, payload json.RawMessage) (*model.Record, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &custom_errors.MappingError{Field: "api_payload", Reason: "invalid JSON document"}
	}
	cfg, err := connector.DecodeSourceConfig(src)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(payload)

	id := doc.Get("id").String()
	if id == "" {
		return nil, &custom_errors.MappingError{Field: "id", Reason: "issue id is missing"}
	}
	key := doc.Get("key").String()
	if key == "" {
		return nil, &custom_errors.MappingError{SourceID: id, Field: "key", Reason: "issue key is missing"}
	}
	fields := doc.Get("fields")

	issueType := fields.Get("issuetype.name").String()
	labels := stringList(fields.Get("labels"))
	components := stringList(fields.Get("components.#.name"))

	rec := &model.Record{
		SourceID:          id,
		SourceDisplayID:   model.Some(key),
		Name:              optionalString(fields.Get("summary")),
		Description:       description(fields.Get("description")),
		WorkItemType:      model.Some(issueType),
		IsBug:             model.Some(strings.EqualFold(issueType, "bug")),
		IsEpic:            model.Some(strings.EqualFold(issueType, "epic")),
		SourceState:       optionalString(fields.Get("status.name")),
		Priority:          optionalString(fields.Get("priority.name")),
		Releases:          model.Some(stringList(fields.Get("fixVersions.#.name"))),
		CommitIdentifiers: model.Some(commitIdentifiers(key)),
		APIPayload:        model.Some(payload),
		Tags: model.Some(tags.Evaluate(tags.Input{
			Document:     payload,
			Labels:       labels,
			Components:   components,
			WorkItemType: issueType,
			Rules:        cfg.TagRules,
			CustomFields: cfg.CustomFields,
		})),
	}

	if link := browseURL(doc.Get("self").String(), cfg.BaseURL, key); link != "" {
		rec.URL = model.Some(link)
	}
	if t, ok := parseTime(fields.Get("created")); ok {
		rec.SourceCreatedAt = model.Some(t)
	}
	if t, ok := parseTime(fields.Get("updated")); ok {
		rec.SourceLastUpdated = model.Some(t)
	}

	rec.ParentSourceDisplayID = parentKey(fields, cfg.CustomFields)
	rec.StoryPoints = storyPoints(fields, cfg.CustomFields)
	if r, ok := customField(fields, cfg.CustomFields, fieldSprint); ok {
		rec.Sprints = model.Some(sprintNames(r))
	}
	if r, ok := customField(fields, cfg.CustomFields, fieldFlagged); ok {
		rec.Flagged = model.Some(populated(r))
	}
	if histories := doc.Get("changelog.histories"); histories.Exists() {
		rec.Changelog = model.Some(statusTransitions(histories))
	}
	return rec, nil
}

func optionalString(r gjson.Result) model.Field[string] {
	if !r.Exists() || r.Type == gjson.Null {
		return model.Null[string]()
	}
	return model.Some(r.String())
}

func stringList(r gjson.Result) []string {
	out := []string{}
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// description accepts both the plain text (API v2) and the Atlassian
// document format (API v3) representation.
func description(r gjson.Result) model.Field[string] {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return model.Null[string]()
	case r.IsObject():
		var b strings.Builder
		adfText(r, &b)
		return model.Some(strings.TrimSpace(b.String()))
	default:
		return model.Some(r.String())
	}
}

func adfText(node gjson.Result, b *strings.Builder) {
	if node.Get("type").String() == "text" {
		b.WriteString(node.Get("text").String())
		return
	}
	for _, child := range node.Get("content").Array() {
		adfText(child, b)
	}
	switch node.Get("type").String() {
	case "paragraph", "heading", "listItem", "codeBlock", "blockquote":
		b.WriteString("\n")
	}
}

func commitIdentifiers(key string) []string {
	ids := []string{key}
	if lower := strings.ToLower(key); lower != key {
		ids = append(ids, lower)
	}
	if compact := strings.ReplaceAll(key, "-", ""); compact != key {
		ids = append(ids, compact)
	}
	return ids
}

func browseURL(self, baseURL, key string) string {
	if baseURL == "" && self != "" {
		if u, err := url.Parse(self); err == nil && u.Host != "" {
			baseURL = u.Scheme + "://" + u.Host
		}
	}
	if baseURL == "" {
		return ""
	}
	return baseURL + "/browse/" + key
}

func parseTime(r gjson.Result) (time.Time, bool) {
	if r.Type != gjson.String {
		return time.Time{}, false
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, r.String()); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func customField(fields gjson.Result, meta []tags.CustomField, names ...string) (gjson.Result, bool) {
	for _, name := range names {
		id, ok := tags.FieldID(meta, name)
		if !ok {
			continue
		}
		if r := fields.Get(gjson.Escape(id)); r.Exists() {
			return r, true
		}
	}
	return gjson.Result{}, false
}

// parentKey prefers the native parent and falls back to the legacy epic link.
func parentKey(fields gjson.Result, meta []tags.CustomField) model.Field[string] {
	if p := fields.Get("parent.key"); p.Exists() && p.String() != "" {
		return model.Some(p.String())
	}
	if r, ok := customField(fields, meta, fieldEpicLink); ok && r.Type == gjson.String && r.String() != "" {
		return model.Some(r.String())
	}
	return model.Null[string]()
}

func storyPoints(fields gjson.Result, meta []tags.CustomField) model.Field[float64] {
	r, ok := customField(fields, meta, fieldStoryPoints, fieldStoryPointEstimate)
	if !ok {
		return model.Field[float64]{}
	}
	if r.Type != gjson.Number {
		return model.Null[float64]()
	}
	return model.Some(r.Float())
}

func sprintNames(r gjson.Result) []string {
	names := []string{}
	for _, s := range r.Array() {
		var name string
		if s.IsObject() {
			name = s.Get("name").String()
		} else {
			name = sprintNameFromLegacy(s.String())
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// sprintNameFromLegacy extracts name=... from the old
// "com.atlassian.greenhopper...Sprint@1a2b[id=1,name=Sprint 4,...]" encoding.
func sprintNameFromLegacy(s string) string {
	i := strings.Index(s, "name=")
	if i < 0 {
		return s
	}
	rest := s[i+len("name="):]
	if j := strings.IndexAny(rest, ",]"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func populated(r gjson.Result) bool {
	switch {
	case r.Type == gjson.Null:
		return false
	case r.IsArray():
		return len(r.Array()) > 0
	default:
		return r.Exists()
	}
}

func statusTransitions(histories gjson.Result) []model.ChangelogEntry {
	type transition struct {
		created  string
		at       time.Time
		from, to string
	}
	var all []transition
	for _, h := range histories.Array() {
		created := h.Get("created")
		at, _ := parseTime(created)
		for _, item := range h.Get("items").Array() {
			if item.Get("field").String() != changelogStatusFieldName {
				continue
			}
			all = append(all, transition{
				created: created.String(),
				at:      at,
				from:    item.Get("fromString").String(),
				to:      item.Get("toString").String(),
			})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	entries := make([]model.ChangelogEntry, 0, len(all))
	for i, tr := range all {
		entries = append(entries, model.ChangelogEntry{
			Created:       tr.created,
			PreviousState: tr.from,
			State:         tr.to,
			SeqNo:         i + 1,
		})
	}
	return entries
}
