package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/headcount-cli/internal/model"
)

func intPtr(n int) *int { return &n }

// runStoreSuite exercises the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("cache set and get", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.SetCachedEstimate(ctx, "employee_count:acme:japan", `{"count":1200}`, time.Hour))

		e, err := st.GetCachedEstimate(ctx, "employee_count:acme:japan")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, `{"count":1200}`, e.Value)
		assert.True(t, e.ExpiresAt.After(e.CachedAt))
	})

	t.Run("cache miss", func(t *testing.T) {
		st := newStore(t)
		e, err := st.GetCachedEstimate(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("cache expired", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.SetCachedEstimate(ctx, "old", "42", -time.Hour))
		e, err := st.GetCachedEstimate(ctx, "old")
		require.NoError(t, err)
		assert.Nil(t, e)

		n, err := st.DeleteExpiredEstimates(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("cache overwrite", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.SetCachedEstimate(ctx, "k", "first", time.Hour))
		require.NoError(t, st.SetCachedEstimate(ctx, "k", "second", time.Hour))

		e, err := st.GetCachedEstimate(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "second", e.Value)
	})

	t.Run("list batches since", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		require.NoError(t, st.CreateBatch(ctx, model.BatchState{ID: "old", Total: 1, StartedAt: base.Add(-48 * time.Hour)}))
		require.NoError(t, st.CreateBatch(ctx, model.BatchState{ID: "b1", Total: 1, StartedAt: base.Add(-2 * time.Hour)}))
		require.NoError(t, st.CreateBatch(ctx, model.BatchState{ID: "b2", Total: 1, StartedAt: base.Add(-time.Hour)}))

		bs, err := st.ListBatches(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, bs, 2)
		assert.Equal(t, "b2", bs[0].ID)
		assert.Equal(t, "b1", bs[1].ID)
		assert.Equal(t, model.BatchProcessing, bs[0].Status)
	})

	t.Run("batch lifecycle", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.CreateBatch(ctx, model.BatchState{ID: "b1", Region: "Japan", Total: 2}))

		b, err := st.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.BatchProcessing, b.Status)
		assert.Equal(t, 0, b.Processed)
		assert.Equal(t, "Japan", b.Region)

		b, err = st.IncrementProcessed(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, b.Processed)
		b, err = st.IncrementProcessed(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 2, b.Processed)

		require.NoError(t, st.SetBatchStatus(ctx, "b1", model.BatchCompleted, ""))
		b, err = st.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.BatchCompleted, b.Status)

		err = st.SetBatchStatus(ctx, "b1", model.BatchFailed, "late")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("batch not found", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		_, err := st.GetBatch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.IncrementProcessed(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("results keep position order", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateBatch(ctx, model.BatchState{ID: "b2", Region: "India", Total: 3}))

		require.NoError(t, st.AppendResults(ctx, "b2", 2, []model.EstimateResult{
			model.Failed("Gamma", model.StatusNoData, "no data"),
		}))
		require.NoError(t, st.AppendResults(ctx, "b2", 0, []model.EstimateResult{
			model.Succeeded("Alpha", 10, model.ConfidenceHigh, "filing", "annual report"),
			model.Succeeded("Beta", 20, model.ConfidenceLow, "guess"),
		}))

		rs, err := st.ListResults(ctx, "b2")
		require.NoError(t, err)
		require.Len(t, rs, 3)
		assert.Equal(t, "Alpha", rs[0].Entity)
		assert.Equal(t, intPtr(10), rs[0].Count)
		assert.Equal(t, []string{"annual report"}, rs[0].Sources)
		assert.Equal(t, "Beta", rs[1].Entity)
		assert.Equal(t, "Gamma", rs[2].Entity)
		assert.Nil(t, rs[2].Count)
		assert.Equal(t, model.StatusNoData, rs[2].Status)
	})

	t.Run("delete old batches", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateBatch(ctx, model.BatchState{ID: "b3", Region: "China", Total: 1}))
		require.NoError(t, st.AppendResults(ctx, "b3", 0, []model.EstimateResult{
			model.Succeeded("Acme", 5, model.ConfidenceMedium, ""),
		}))

		n, err := st.DeleteBatchesBefore(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = st.DeleteBatchesBefore(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = st.GetBatch(ctx, "b3")
		assert.ErrorIs(t, err, ErrNotFound)
		rs, err := st.ListResults(ctx, "b3")
		require.NoError(t, err)
		assert.Empty(t, rs)
	})
}
