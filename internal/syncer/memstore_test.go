// internal/syncer/memstore_test.go
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"work-items-sync/internal/connector"
	"work-items-sync/internal/database"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory database.Querier with the semantics of the SQL in
// internal/database. fakeDB snapshots it on Begin and restores it on rollback.
type memStore struct {
	nextSourceID int64
	nextItemID   int64
	sources      map[int64]database.WorkItemsSource
	items        map[int64]database.WorkItem
	// failOn makes the named method return errInjected.
	failOn string
}

func newMemStore() *memStore {
	return &memStore{
		sources: map[int64]database.WorkItemsSource{},
		items:   map[int64]database.WorkItem{},
	}
}

func (m *memStore) snapshot() *memStore {
	c := *m
	c.sources = maps.Clone(m.sources)
	c.items = maps.Clone(m.items)
	return &c
}

func (m *memStore) fail(method string) error {
	if m.failOn == method {
		return errInjected
	}
	return nil
}

func (m *memStore) CreateWorkItemsSource(_ context.Context, arg database.CreateWorkItemsSourceParams) (database.WorkItemsSource, error) {
	if err := m.fail("CreateWorkItemsSource"); err != nil {
		return database.WorkItemsSource{}, err
	}
	m.nextSourceID++
	src := database.WorkItemsSource{
		ID:                    m.nextSourceID,
		Key:                   arg.Key,
		Name:                  arg.Name,
		IntegrationType:       arg.IntegrationType,
		Parameters:            orDefault(arg.Parameters, "{}"),
		ImportState:           "ready",
		CustomFields:          orDefault(arg.CustomFields, "[]"),
		SourceData:            orDefault(arg.SourceData, "{}"),
		CommitMappingScope:    arg.CommitMappingScope,
		CommitMappingScopeKey: arg.CommitMappingScopeKey,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}
	m.sources[src.ID] = src
	return src, nil
}

func (m *memStore) GetWorkItemsSourceByKey(_ context.Context, key uuid.UUID) (database.WorkItemsSource, error) {
	if err := m.fail("GetWorkItemsSourceByKey"); err != nil {
		return database.WorkItemsSource{}, err
	}
	for _, src := range m.sources {
		if src.Key == key {
			return src, nil
		}
	}
	return database.WorkItemsSource{}, pgx.ErrNoRows
}

func (m *memStore) ListWorkItemsSourcesByImportState(_ context.Context, importStates []string) ([]database.WorkItemsSource, error) {
	var out []database.WorkItemsSource
	for _, src := range m.sources {
		if slices.Contains(importStates, src.ImportState) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) MergeWorkItemsSourceData(_ context.Context, arg database.MergeWorkItemsSourceDataParams) (database.WorkItemsSource, error) {
	src, ok := m.sources[arg.ID]
	if !ok {
		return src, pgx.ErrNoRows
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(src.SourceData, &merged); err != nil {
		return src, err
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(arg.SourceData, &patch); err != nil {
		return src, err
	}
	maps.Copy(merged, patch)
	raw, err := json.Marshal(merged)
	if err != nil {
		return src, err
	}
	src.SourceData = raw
	m.sources[src.ID] = src
	return src, nil
}

func (m *memStore) UpdateWorkItemsSource(_ context.Context, arg database.UpdateWorkItemsSourceParams) (database.WorkItemsSource, error) {
	src, ok := m.sources[arg.ID]
	if !ok {
		return src, pgx.ErrNoRows
	}
	if arg.Name != nil {
		src.Name = *arg.Name
	}
	if arg.Parameters != nil {
		src.Parameters = arg.Parameters
	}
	if arg.CustomFields != nil {
		src.CustomFields = arg.CustomFields
	}
	if arg.CommitMappingScope != nil {
		src.CommitMappingScope = arg.CommitMappingScope
	}
	if arg.CommitMappingScopeKey != nil {
		src.CommitMappingScopeKey = arg.CommitMappingScopeKey
	}
	m.sources[src.ID] = src
	return src, nil
}

func (m *memStore) UpdateWorkItemsSourceImportState(_ context.Context, arg database.UpdateWorkItemsSourceImportStateParams) (database.WorkItemsSource, error) {
	if err := m.fail("UpdateWorkItemsSourceImportState"); err != nil {
		return database.WorkItemsSource{}, err
	}
	src, ok := m.sources[arg.ID]
	if !ok {
		return src, pgx.ErrNoRows
	}
	src.ImportState = arg.ImportState
	if arg.StampSynced {
		now := time.Now()
		src.LastSynced = &now
	}
	m.sources[src.ID] = src
	return src, nil
}

func (m *memStore) DeleteWorkItem(_ context.Context, id int64) error {
	if err := m.fail("DeleteWorkItem"); err != nil {
		return err
	}
	delete(m.items, id)
	for cid, child := range m.items {
		if child.ParentID != nil && *child.ParentID == id {
			child.ParentID = nil
			m.items[cid] = child
		}
	}
	return nil
}

func (m *memStore) GetWorkItemByKey(_ context.Context, key uuid.UUID) (database.WorkItem, error) {
	for _, wi := range m.items {
		if wi.Key == key {
			return wi, nil
		}
	}
	return database.WorkItem{}, pgx.ErrNoRows
}

func (m *memStore) GetWorkItemBySourceID(_ context.Context, arg database.GetWorkItemBySourceIDParams) (database.WorkItem, error) {
	if wi, ok := m.find(arg.WorkItemsSourceID, arg.SourceID); ok {
		return wi, nil
	}
	return database.WorkItem{}, pgx.ErrNoRows
}

func (m *memStore) GetWorkItemRefsByIDs(_ context.Context, ids []int64) ([]database.WorkItemRef, error) {
	var out []database.WorkItemRef
	for _, id := range ids {
		if wi, ok := m.items[id]; ok {
			out = append(out, refOf(wi))
		}
	}
	return out, nil
}

func (m *memStore) GetWorkItemsBySourceIDs(_ context.Context, arg database.GetWorkItemsBySourceIDsParams) ([]database.WorkItem, error) {
	if err := m.fail("GetWorkItemsBySourceIDs"); err != nil {
		return nil, err
	}
	var out []database.WorkItem
	for _, wi := range m.sorted() {
		if wi.WorkItemsSourceID == arg.WorkItemsSourceID && wi.SourceID != nil && slices.Contains(arg.SourceIds, *wi.SourceID) {
			out = append(out, wi)
		}
	}
	return out, nil
}

func (m *memStore) ListParentCandidates(_ context.Context, arg database.ListParentCandidatesParams) ([]database.WorkItemRef, error) {
	if err := m.fail("ListParentCandidates"); err != nil {
		return nil, err
	}
	var out []database.WorkItemRef
	for _, wi := range m.sorted() {
		if wi.SourceDisplayID != nil && wi.DeletedAt == nil && slices.Contains(arg.DisplayIds, *wi.SourceDisplayID) && m.inScope(arg.WorkItemsSourceID, wi.WorkItemsSourceID, arg.CrossSource) {
			out = append(out, refOf(wi))
		}
	}
	return out, nil
}

func (m *memStore) ListUnresolvedChildren(_ context.Context, arg database.ListUnresolvedChildrenParams) ([]database.WorkItemRef, error) {
	var out []database.WorkItemRef
	for _, wi := range m.sorted() {
		if wi.ParentID == nil && wi.ParentSourceDisplayID != nil && slices.Contains(arg.DisplayIds, *wi.ParentSourceDisplayID) && m.inScope(arg.WorkItemsSourceID, wi.WorkItemsSourceID, arg.CrossSource) {
			out = append(out, refOf(wi))
		}
	}
	return out, nil
}

func (m *memStore) ListWorkItemsPage(_ context.Context, arg database.ListWorkItemsPageParams) ([]database.WorkItem, error) {
	all := m.sorted()
	var out []database.WorkItem
	for i := len(all) - 1; i >= 0 && len(out) < int(arg.Limit); i-- {
		wi := all[i]
		if wi.WorkItemsSourceID == arg.WorkItemsSourceID && (arg.BeforeID == 0 || wi.ID < arg.BeforeID) {
			out = append(out, wi)
		}
	}
	return out, nil
}

func (m *memStore) ReassignChildren(_ context.Context, arg database.ReassignChildrenParams) (int64, error) {
	var n int64
	for id, wi := range m.items {
		if wi.ParentID != nil && *wi.ParentID == arg.FromParentID {
			to := arg.ToParentID
			wi.ParentID = &to
			m.items[id] = wi
			n++
		}
	}
	return n, nil
}

func (m *memStore) RelocateWorkItem(_ context.Context, arg database.RelocateWorkItemParams) error {
	wi, ok := m.items[arg.ID]
	if !ok {
		return nil
	}
	if wi.SourceID != nil {
		if _, taken := m.find(arg.WorkItemsSourceID, *wi.SourceID); taken {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	wi.WorkItemsSourceID = arg.WorkItemsSourceID
	m.items[wi.ID] = wi
	return nil
}

func (m *memStore) SetWorkItemParents(_ context.Context, arg []database.SetWorkItemParentParams) error {
	if len(arg) == 0 {
		return nil
	}
	if err := m.fail("SetWorkItemParents"); err != nil {
		return err
	}
	for _, a := range arg {
		if wi, ok := m.items[a.ID]; ok {
			wi.ParentID = a.ParentID
			m.items[a.ID] = wi
		}
	}
	return nil
}

func (m *memStore) SoftDeleteWorkItems(_ context.Context, arg database.SoftDeleteWorkItemsParams) ([]database.WorkItemRef, error) {
	var out []database.WorkItemRef
	for _, wi := range m.sorted() {
		if wi.WorkItemsSourceID == arg.WorkItemsSourceID && wi.SourceID != nil && slices.Contains(arg.SourceIds, *wi.SourceID) && wi.DeletedAt == nil {
			at := arg.DeletedAt
			wi.DeletedAt = &at
			m.items[wi.ID] = wi
			out = append(out, refOf(wi))
		}
	}
	return out, nil
}

func (m *memStore) UpsertWorkItems(_ context.Context, arg []database.UpsertWorkItemParams) ([]database.UpsertWorkItemRow, error) {
	if err := m.fail("UpsertWorkItems"); err != nil {
		return nil, err
	}
	rows := make([]database.UpsertWorkItemRow, 0, len(arg))
	for _, p := range arg {
		wi, exists := m.find(p.WorkItemsSourceID, p.SourceID)
		if !exists {
			m.nextItemID++
			sourceID := p.SourceID
			wi = database.WorkItem{
				ID:                m.nextItemID,
				Key:               p.Key,
				WorkItemsSourceID: p.WorkItemsSourceID,
				SourceID:          &sourceID,
				CreatedAt:         p.LastSync,
			}
		}
		lastSync := p.LastSync
		wi.SourceDisplayID = p.SourceDisplayID
		wi.Name = p.Name
		wi.Description = p.Description
		wi.WorkItemType = p.WorkItemType
		wi.IsBug = p.IsBug
		wi.IsEpic = p.IsEpic
		wi.Tags = slices.Clone(p.Tags)
		if wi.Tags == nil {
			wi.Tags = []string{}
		}
		wi.Url = p.Url
		wi.SourceState = p.SourceState
		wi.Priority = p.Priority
		wi.Releases = slices.Clone(p.Releases)
		wi.StoryPoints = p.StoryPoints
		wi.Sprints = slices.Clone(p.Sprints)
		wi.Flagged = p.Flagged
		wi.CommitIdentifiers = slices.Clone(p.CommitIdentifiers)
		wi.ApiPayload = p.ApiPayload
		wi.Changelog = p.Changelog
		wi.ParentID = p.ParentID
		wi.ParentSourceDisplayID = p.ParentSourceDisplayID
		wi.SourceCreatedAt = p.SourceCreatedAt
		wi.SourceLastUpdated = p.SourceLastUpdated
		wi.DeletedAt = p.DeletedAt
		wi.LastSync = &lastSync
		wi.UpdatedAt = p.LastSync
		m.items[wi.ID] = wi
		rows = append(rows, database.UpsertWorkItemRow{ID: wi.ID, Key: wi.Key, Inserted: !exists})
	}
	return rows, nil
}

func (m *memStore) find(sourceID int64, id string) (database.WorkItem, bool) {
	for _, wi := range m.items {
		if wi.WorkItemsSourceID == sourceID && wi.SourceID != nil && *wi.SourceID == id {
			return wi, true
		}
	}
	return database.WorkItem{}, false
}

func (m *memStore) sorted() []database.WorkItem {
	out := slices.Collect(maps.Values(m.items))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) inScope(origin, candidate int64, cross bool) bool {
	if origin == candidate {
		return true
	}
	o, c := m.sources[origin], m.sources[candidate]
	return cross &&
		o.CommitMappingScopeKey != nil &&
		ptrEqual(o.CommitMappingScope, c.CommitMappingScope) &&
		ptrEqual(o.CommitMappingScopeKey, c.CommitMappingScopeKey)
}

// bySourceID returns the stored row for a source id, failing the test when absent.
func (m *memStore) bySourceID(t *testing.T, sourceID int64, id string) database.WorkItem {
	t.Helper()
	wi, ok := m.find(sourceID, id)
	if !ok {
		t.Fatalf("work item %q not found in source %d", id, sourceID)
	}
	return wi
}

func refOf(wi database.WorkItem) database.WorkItemRef {
	return database.WorkItemRef{
		ID:                    wi.ID,
		Key:                   wi.Key,
		WorkItemsSourceID:     wi.WorkItemsSourceID,
		SourceDisplayID:       wi.SourceDisplayID,
		ParentSourceDisplayID: wi.ParentSourceDisplayID,
		ParentID:              wi.ParentID,
	}
}

func orDefault(doc []byte, def string) []byte {
	if doc == nil {
		return []byte(def)
	}
	return doc
}

var _ database.Querier = (*memStore)(nil)

// fakeTx is a pgx.Tx that only supports Commit and Rollback.
type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	saved      *memStore
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed || t.rolledBack {
		return nil
	}
	t.rolledBack = true
	*t.db.store = *t.saved
	return nil
}

type fakeDB struct {
	store     *memStore
	txs       []*fakeTx
	beginErr  error
	commitErr error
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	tx := &fakeTx{db: d, saved: d.store.snapshot()}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func (d *fakeDB) lastTx() *fakeTx {
	return d.txs[len(d.txs)-1]
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	syncer *Syncer
	store  *memStore
	db     *fakeDB
	clock  *time.Time
}

func newTestEnv(t *testing.T, mappers ...connector.Mapper) *testEnv {
	t.Helper()
	store := newMemStore()
	db := &fakeDB{store: store}
	clock := testNow
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := NewSyncer(db, connector.NewRegistry(mappers...), logger, Options{
		CrossSourceResolution: true,
		Now:                   func() time.Time { return clock },
	})
	s.queries = func(pgx.Tx) database.Querier { return store }
	return &testEnv{syncer: s, store: store, db: db, clock: &clock}
}

// source creates a source directly in the store.
func (e *testEnv) source(t *testing.T, scope, scopeKey *string) database.WorkItemsSource {
	t.Helper()
	src, err := e.store.CreateWorkItemsSource(context.Background(), database.CreateWorkItemsSourceParams{
		Key:                   uuid.New(),
		Name:                  "test",
		IntegrationType:       "stub",
		CommitMappingScope:    scope,
		CommitMappingScopeKey: scopeKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func ptr[T any](v T) *T { return &v }
