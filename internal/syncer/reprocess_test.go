// internal/syncer/reprocess_test.go
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
)

// stubMapper maps small test documents. Flipping its fields simulates a
// change of mapping rules between the original sync and a reprocess.
type stubMapper struct {
	tagUrgent  bool
	nameSuffix string
}

func (m *stubMapper) IntegrationType() string { return "stub" }

func (m *stubMapper) MapRecord(_ *database.WorkItemsSource, payload json.RawMessage) (*model.Record, error) {
	var doc struct {
		ID     string   `json:"id"`
		Key    string   `json:"key"`
		Title  string   `json:"title"`
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &custom_errors.MappingError{Field: "api_payload", Reason: err.Error()}
	}
	if doc.Key == "" {
		return nil, &custom_errors.MappingError{SourceID: doc.ID, Field: "key", Reason: "missing"}
	}
	tags := slices.Clone(doc.Labels)
	if m.tagUrgent && slices.Contains(doc.Labels, "urgent") {
		tags = append(tags, "custom_tag:urgent")
	}
	return &model.Record{
		SourceID:        doc.ID,
		SourceDisplayID: model.Some(doc.Key),
		Name:            model.Some(doc.Title + m.nameSuffix),
		Tags:            model.Some(tags),
		APIPayload:      model.Some(payload),
	}, nil
}

func seedReprocess(t *testing.T, env *testEnv, mapper *stubMapper, src database.WorkItemsSource) {
	t.Helper()
	var records []*model.Record
	for i := 1; i <= 5; i++ {
		labels := `["backend"]`
		if i%2 == 0 {
			labels = `["backend","urgent"]`
		}
		payload := json.RawMessage(fmt.Sprintf(`{"id":"%d","key":"S-%d","title":"Item %d","labels":%s}`, i, i, i, labels))
		rec, err := mapper.MapRecord(&src, payload)
		require.NoError(t, err)
		records = append(records, rec)
	}
	_, err := env.syncer.Sync(context.Background(), src.Key, records)
	require.NoError(t, err)
}

func collect(t *testing.T, seq func(func(*ReprocessBatch, error) bool)) []*ReprocessBatch {
	t.Helper()
	var batches []*ReprocessBatch
	for batch, err := range seq {
		require.NoError(t, err)
		batches = append(batches, batch)
	}
	return batches
}

func TestReprocess_EmitsOnlyCheckedDrift(t *testing.T) {
	mapper := &stubMapper{}
	env := newTestEnv(t, mapper)
	src := env.source(t, nil, nil)
	seedReprocess(t, env, mapper, src)

	mapper.tagUrgent = true
	mapper.nameSuffix = " (renamed)"

	batches := collect(t, env.syncer.Reprocess(context.Background(), src.Key, ReprocessOptions{
		Attributes: []string{"tags"},
		BatchSize:  2,
	}))

	require.Len(t, batches, 3)
	var cursors []int64
	var changed []string
	for _, b := range batches {
		cursors = append(cursors, b.Cursor)
		for _, r := range b.ChangeSet.Results {
			assert.True(t, r.IsUpdated)
			changed = append(changed, *r.DisplayID)
		}
	}
	assert.Equal(t, []int64{4, 2, 1}, cursors)
	assert.Equal(t, []string{"S-4", "S-2"}, changed)
	assert.Equal(t, 2, batches[0].Checked)

	assert.Contains(t, env.store.bySourceID(t, src.ID, "4").Tags, "custom_tag:urgent")
	assert.Equal(t, "Item 5", *env.store.bySourceID(t, src.ID, "5").Name, "unchecked drift is not written")

	t.Run("second pass finds nothing", func(t *testing.T) {
		batches := collect(t, env.syncer.Reprocess(context.Background(), src.Key, ReprocessOptions{Attributes: []string{"tags"}, BatchSize: 2}))
		for _, b := range batches {
			assert.Empty(t, b.ChangeSet.Results)
		}
	})
}

func TestReprocess_ResumesFromCursor(t *testing.T) {
	mapper := &stubMapper{}
	env := newTestEnv(t, mapper)
	src := env.source(t, nil, nil)
	seedReprocess(t, env, mapper, src)
	mapper.tagUrgent = true

	batches := collect(t, env.syncer.Reprocess(context.Background(), src.Key, ReprocessOptions{
		Attributes: []string{"tags"},
		BatchSize:  10,
		BeforeID:   3,
	}))

	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Checked)
	require.Len(t, batches[0].ChangeSet.Results, 1)
	assert.Equal(t, "S-2", *batches[0].ChangeSet.Results[0].DisplayID)
}

func TestReprocess_OversizedBatchIsCapped(t *testing.T) {
	mapper := &stubMapper{}
	env := newTestEnv(t, mapper)
	src := env.source(t, nil, nil)
	seedReprocess(t, env, mapper, src)
	mapper.tagUrgent = true

	batches := collect(t, env.syncer.Reprocess(context.Background(), src.Key, ReprocessOptions{
		Attributes: []string{"tags"},
		BatchSize:  1<<32 + 1,
	}))

	require.Len(t, batches, 1)
	assert.Equal(t, 5, batches[0].Checked)
	assert.Len(t, batches[0].ChangeSet.Results, 2)
}

func TestReprocess_StopsWhenConsumerStops(t *testing.T) {
	mapper := &stubMapper{}
	env := newTestEnv(t, mapper)
	src := env.source(t, nil, nil)
	seedReprocess(t, env, mapper, src)

	pages := 0
	for _, err := range env.syncer.Reprocess(context.Background(), src.Key, ReprocessOptions{BatchSize: 1}) {
		require.NoError(t, err)
		pages++
		break
	}
	assert.Equal(t, 1, pages)
	assert.Len(t, env.db.txs, 2, "one transaction for the seed, one for the single page")
}

func TestReprocess_MappingFailuresAreRejected(t *testing.T) {
	mapper := &stubMapper{}
	env := newTestEnv(t, mapper)
	src := env.source(t, nil, nil)

	_, err := env.syncer.Sync(context.Background(), src.Key, []*model.Record{
		{SourceID: "9", APIPayload: model.Some(json.RawMessage(`{"id":"9"}`))},
	})
	require.NoError(t, err)

	batches := collect(t, env.syncer.Reprocess(context.Background(), src.Key, ReprocessOptions{}))
	require.Len(t, batches, 1)
	require.Len(t, batches[0].ChangeSet.Rejected, 1)
	assert.Equal(t, "9", batches[0].ChangeSet.Rejected[0].SourceID)
	assert.Empty(t, batches[0].ChangeSet.Results)
}

func TestReprocess_Errors(t *testing.T) {
	mapper := &stubMapper{}
	env := newTestEnv(t, mapper)
	src := env.source(t, nil, nil)
	ctx := context.Background()

	t.Run("unknown attribute", func(t *testing.T) {
		var got error
		for _, err := range env.syncer.Reprocess(ctx, src.Key, ReprocessOptions{Attributes: []string{"colour"}}) {
			got = err
		}
		assert.ErrorIs(t, got, ErrUnknownAttribute)
	})

	t.Run("unknown source", func(t *testing.T) {
		var got error
		for _, err := range env.syncer.Reprocess(ctx, uuid.New(), ReprocessOptions{}) {
			got = err
		}
		var notFound *custom_errors.SourceNotFoundError
		assert.ErrorAs(t, got, &notFound)
	})

	t.Run("no mapper for the integration type", func(t *testing.T) {
		other, err := env.store.CreateWorkItemsSource(ctx, database.CreateWorkItemsSourceParams{Key: uuid.New(), IntegrationType: "pivotal"})
		require.NoError(t, err)
		var got error
		for _, err := range env.syncer.Reprocess(ctx, other.Key, ReprocessOptions{}) {
			got = err
		}
		var unknown *custom_errors.UnknownIntegrationError
		assert.ErrorAs(t, got, &unknown)
	})

	t.Run("empty source yields nothing", func(t *testing.T) {
		batches := collect(t, env.syncer.Reprocess(ctx, src.Key, ReprocessOptions{}))
		assert.Empty(t, batches)
	})
}

func TestAttributes(t *testing.T) {
	names := Attributes()
	assert.True(t, slices.IsSorted(names))
	for _, name := range materialAttributes {
		assert.Contains(t, names, name)
	}
	assert.Contains(t, names, "parent_source_display_id")
}
