// internal/syncer/resolver_test.go
package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-items-sync/internal/database"
	"work-items-sync/internal/model"
)

func child(sourceID, displayID, parent string) *model.Record {
	rec := story(sourceID, displayID)
	rec.ParentSourceDisplayID = model.Some(parent)
	return rec
}

func TestResolver_Backward(t *testing.T) {
	env := newTestEnv(t)
	src := env.source(t, nil, nil)
	ctx := context.Background()

	cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{child("c", "C-1", "P-1")})
	require.NoError(t, err)
	require.Len(t, cs.Results, 1)
	assert.Nil(t, cs.Results[0].ParentKey)
	assert.Nil(t, env.store.bySourceID(t, src.ID, "c").ParentID, "resolution stays pending until the parent exists")

	cs, err = env.syncer.Sync(ctx, src.Key, []*model.Record{story("p", "P-1")})
	require.NoError(t, err)
	require.Len(t, cs.Results, 2)

	parent, backfilled := cs.Results[0], cs.Results[1]
	assert.True(t, parent.IsNew)
	assert.Equal(t, "C-1", *backfilled.DisplayID)
	assert.False(t, backfilled.IsNew)
	assert.True(t, backfilled.IsUpdated)
	require.NotNil(t, backfilled.ParentKey)
	assert.Equal(t, parent.Key, *backfilled.ParentKey)

	p := env.store.bySourceID(t, src.ID, "p")
	c := env.store.bySourceID(t, src.ID, "c")
	require.NotNil(t, c.ParentID)
	assert.Equal(t, p.ID, *c.ParentID)

	t.Run("resyncing the parent does not report the child again", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{story("p", "P-1")})
		require.NoError(t, err)
		require.Len(t, cs.Results, 1)
		assert.False(t, cs.Results[0].IsUpdated)
	})
}

func TestResolver_Forward(t *testing.T) {
	env := newTestEnv(t)
	src := env.source(t, nil, nil)
	ctx := context.Background()

	parents, err := env.syncer.Sync(ctx, src.Key, []*model.Record{story("p", "P-1")})
	require.NoError(t, err)

	cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{child("c", "C-1", "P-1")})
	require.NoError(t, err)
	require.Len(t, cs.Results, 1)
	assert.True(t, cs.Results[0].IsNew)
	assert.False(t, cs.Results[0].IsUpdated)
	require.NotNil(t, cs.Results[0].ParentKey)
	assert.Equal(t, parents.Results[0].Key, *cs.Results[0].ParentKey)

	c := env.store.bySourceID(t, src.ID, "c")
	require.NotNil(t, c.ParentID)
	assert.Equal(t, env.store.bySourceID(t, src.ID, "p").ID, *c.ParentID)

	t.Run("identical resync is not an update", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{child("c", "C-1", "P-1")})
		require.NoError(t, err)
		assert.False(t, cs.Results[0].IsUpdated)
		require.NotNil(t, cs.Results[0].ParentKey)
	})
}

func TestResolver_ParentAndChildInOneBatch(t *testing.T) {
	env := newTestEnv(t)
	src := env.source(t, nil, nil)

	cs, err := env.syncer.Sync(context.Background(), src.Key, []*model.Record{child("c", "C-1", "P-1"), story("p", "P-1")})
	require.NoError(t, err)

	require.Len(t, cs.Results, 2, "children in the batch are not reported twice")
	require.NotNil(t, cs.Results[0].ParentKey)
	assert.Equal(t, cs.Results[1].Key, *cs.Results[0].ParentKey)
	assert.True(t, cs.Results[0].IsNew)
}

func TestResolver_ReparentClearAndOmit(t *testing.T) {
	env := newTestEnv(t)
	src := env.source(t, nil, nil)
	ctx := context.Background()

	_, err := env.syncer.Sync(ctx, src.Key, []*model.Record{story("p1", "P-1"), story("p2", "P-2"), child("c", "C-1", "P-1")})
	require.NoError(t, err)
	p1 := env.store.bySourceID(t, src.ID, "p1")
	p2 := env.store.bySourceID(t, src.ID, "p2")
	assert.Equal(t, p1.ID, *env.store.bySourceID(t, src.ID, "c").ParentID)

	t.Run("changed hint re-parents", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{{SourceID: "c", ParentSourceDisplayID: model.Some("P-2")}})
		require.NoError(t, err)
		assert.True(t, cs.Results[0].IsUpdated)
		assert.Equal(t, p2.Key, *cs.Results[0].ParentKey)
		assert.Equal(t, p2.ID, *env.store.bySourceID(t, src.ID, "c").ParentID)
	})

	t.Run("omitted hint leaves the link", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{{SourceID: "c", Name: model.Some("Story C-1")}})
		require.NoError(t, err)
		assert.False(t, cs.Results[0].IsUpdated)
		assert.Equal(t, p2.ID, *env.store.bySourceID(t, src.ID, "c").ParentID)
		assert.Equal(t, "P-2", *env.store.bySourceID(t, src.ID, "c").ParentSourceDisplayID)
	})

	t.Run("hint naming a missing parent leaves resolution pending", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{{SourceID: "c", ParentSourceDisplayID: model.Some("P-404")}})
		require.NoError(t, err)
		assert.True(t, cs.Results[0].IsUpdated)
		assert.Nil(t, cs.Results[0].ParentKey)
		assert.Nil(t, env.store.bySourceID(t, src.ID, "c").ParentID)

		_, err = env.syncer.Sync(ctx, src.Key, []*model.Record{{SourceID: "c", ParentSourceDisplayID: model.Some("P-2")}})
		require.NoError(t, err)
	})

	t.Run("explicit null clears", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{{SourceID: "c", ParentSourceDisplayID: model.Null[string]()}})
		require.NoError(t, err)
		assert.True(t, cs.Results[0].IsUpdated)
		assert.Nil(t, cs.Results[0].ParentKey)

		c := env.store.bySourceID(t, src.ID, "c")
		assert.Nil(t, c.ParentID)
		assert.Nil(t, c.ParentSourceDisplayID)
	})
}

func TestResolver_SoftDeletedItemsAreNotParents(t *testing.T) {
	env := newTestEnv(t)
	src := env.source(t, nil, nil)
	ctx := context.Background()

	_, err := env.syncer.Sync(ctx, src.Key, []*model.Record{story("p", "P-1")})
	require.NoError(t, err)
	_, err = env.syncer.Delete(ctx, src.Key, []string{"p"})
	require.NoError(t, err)

	t.Run("forward skips a deleted parent", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{child("c", "C-1", "P-1")})
		require.NoError(t, err)
		assert.Nil(t, cs.Results[0].ParentKey)
		assert.Nil(t, env.store.bySourceID(t, src.ID, "c").ParentID)
	})

	t.Run("a batch item synced as deleted adopts no children", func(t *testing.T) {
		rec := story("p", "P-1")
		rec.DeletedAt = model.Some(testNow)
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{rec})
		require.NoError(t, err)
		require.Len(t, cs.Results, 1)
		assert.Nil(t, env.store.bySourceID(t, src.ID, "c").ParentID)
	})

	t.Run("restoring the parent backfills the child", func(t *testing.T) {
		cs, err := env.syncer.Sync(ctx, src.Key, []*model.Record{{SourceID: "p", DeletedAt: model.Null[time.Time]()}})
		require.NoError(t, err)
		require.Len(t, cs.Results, 2)
		assert.Equal(t, "C-1", *cs.Results[1].DisplayID)
		assert.Equal(t, env.store.bySourceID(t, src.ID, "p").ID, *env.store.bySourceID(t, src.ID, "c").ParentID)
	})
}

func TestResolver_CrossSource(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves within a shared scope", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.source(t, ptr("organization"), ptr("org-1"))
		b := env.source(t, ptr("organization"), ptr("org-1"))

		_, err := env.syncer.Sync(ctx, b.Key, []*model.Record{child("c", "B-1", "A-1")})
		require.NoError(t, err)
		cs, err := env.syncer.Sync(ctx, a.Key, []*model.Record{story("p", "A-1")})
		require.NoError(t, err)

		require.Len(t, cs.Results, 2)
		assert.Equal(t, env.store.bySourceID(t, a.ID, "p").ID, *env.store.bySourceID(t, b.ID, "c").ParentID)
	})

	t.Run("different scope keys do not resolve", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.source(t, ptr("organization"), ptr("org-1"))
		b := env.source(t, ptr("organization"), ptr("org-2"))

		_, err := env.syncer.Sync(ctx, a.Key, []*model.Record{story("p", "A-1")})
		require.NoError(t, err)
		cs, err := env.syncer.Sync(ctx, b.Key, []*model.Record{child("c", "B-1", "A-1")})
		require.NoError(t, err)
		assert.Nil(t, cs.Results[0].ParentKey)
	})

	t.Run("disabled cross-source resolution", func(t *testing.T) {
		env := newTestEnv(t)
		env.syncer.opts.CrossSourceResolution = false
		a := env.source(t, ptr("organization"), ptr("org-1"))
		b := env.source(t, ptr("organization"), ptr("org-1"))

		_, err := env.syncer.Sync(ctx, a.Key, []*model.Record{story("p", "A-1")})
		require.NoError(t, err)
		cs, err := env.syncer.Sync(ctx, b.Key, []*model.Record{child("c", "B-1", "A-1")})
		require.NoError(t, err)
		assert.Nil(t, cs.Results[0].ParentKey)
	})

	t.Run("same source wins over a lower id elsewhere", func(t *testing.T) {
		env := newTestEnv(t)
		a := env.source(t, ptr("organization"), ptr("org-1"))
		b := env.source(t, ptr("organization"), ptr("org-1"))

		_, err := env.syncer.Sync(ctx, a.Key, []*model.Record{story("elsewhere", "DUP-1")})
		require.NoError(t, err)
		local, err := env.syncer.Sync(ctx, b.Key, []*model.Record{story("local", "DUP-1")})
		require.NoError(t, err)

		cs, err := env.syncer.Sync(ctx, b.Key, []*model.Record{child("c", "B-9", "DUP-1")})
		require.NoError(t, err)
		assert.Equal(t, local.Results[0].Key, *cs.Results[0].ParentKey)
	})
}

func TestResolver_SelfReferenceIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	src := env.source(t, nil, nil)

	cs, err := env.syncer.Sync(context.Background(), src.Key, []*model.Record{child("x", "X-1", "X-1")})
	require.NoError(t, err)
	assert.Nil(t, cs.Results[0].ParentKey)
	assert.Nil(t, env.store.bySourceID(t, src.ID, "x").ParentID)
}

func TestPickParent(t *testing.T) {
	ref := func(id, sourceID int64) database.WorkItemRef {
		return database.WorkItemRef{ID: id, WorkItemsSourceID: sourceID}
	}

	tests := []struct {
		name       string
		candidates []database.WorkItemRef
		wantID     int64
		wantOK     bool
		matched    []int64
	}{
		{name: "no candidates"},
		{name: "only self", candidates: []database.WorkItemRef{ref(7, 1)}},
		{name: "single", candidates: []database.WorkItemRef{ref(3, 1)}, wantID: 3, wantOK: true, matched: []int64{3}},
		{name: "lowest id in source", candidates: []database.WorkItemRef{ref(9, 1), ref(4, 1)}, wantID: 4, wantOK: true, matched: []int64{4, 9}},
		{name: "same source first", candidates: []database.WorkItemRef{ref(2, 5), ref(8, 1), ref(1, 6)}, wantID: 8, wantOK: true, matched: []int64{1, 2, 8}},
		{name: "lowest id across sources", candidates: []database.WorkItemRef{ref(6, 5), ref(2, 6)}, wantID: 2, wantOK: true, matched: []int64{2, 6}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chosen, matched, ok := pickParent(tc.candidates, 1, 7)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.matched, matched)
			if tc.wantOK {
				assert.Equal(t, tc.wantID, chosen.ID)
			}
		})
	}
}
