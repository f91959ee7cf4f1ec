package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/expflow/experiment"
)

// runStoreConformance 对任意 Store 实现跑统一的契约测试
func runStoreConformance(t *testing.T, store experiment.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("SaveAndGetTest", func(t *testing.T) {
		started := time.Now().Truncate(time.Millisecond)
		test := &experiment.Test{
			ID:     "conf-test-1",
			Name:   "conformance",
			Status: experiment.StatusRunning,
			Variants: []experiment.Variant{
				{ID: "a", Name: "A", Weight: 0.5, IsControl: true,
					Config: map[string]any{"model": "baseline"}},
				{ID: "b", Name: "B", Weight: 0.5},
			},
			Targeting: experiment.TargetingRules{
				Percentage: 50,
				Segments:   []string{"beta"},
				Conditions: []experiment.TargetingCondition{
					{Field: "country", Operator: experiment.OpEquals, Value: "US"},
				},
			},
			Metrics: experiment.MetricConfig{
				PrimaryMetric:     "score",
				MinimumSampleSize: 100,
				SignificanceLevel: 0.05,
				Power:             0.8,
			},
			StartedAt: &started,
			CreatedAt: started,
			UpdatedAt: started,
		}
		require.NoError(t, store.SaveTest(ctx, test))

		got, err := store.GetTest(ctx, "conf-test-1")
		require.NoError(t, err)
		assert.Equal(t, test.Name, got.Name)
		assert.Equal(t, experiment.StatusRunning, got.Status)
		require.Len(t, got.Variants, 2)
		assert.Equal(t, "baseline", got.Variants[0].Config["model"])
		assert.Equal(t, 50.0, got.Targeting.Percentage)
		assert.Equal(t, []string{"beta"}, got.Targeting.Segments)
		assert.Equal(t, "score", got.Metrics.PrimaryMetric)
		require.NotNil(t, got.StartedAt)

		// 更新覆盖
		test.Status = experiment.StatusPaused
		require.NoError(t, store.SaveTest(ctx, test))
		got, err = store.GetTest(ctx, "conf-test-1")
		require.NoError(t, err)
		assert.Equal(t, experiment.StatusPaused, got.Status)
	})

	t.Run("GetTestNotFound", func(t *testing.T) {
		_, err := store.GetTest(ctx, "no-such-test")
		assert.ErrorIs(t, err, experiment.ErrStoreNotFound)
	})

	t.Run("ListTestsByStatus", func(t *testing.T) {
		for i, status := range []experiment.TestStatus{
			experiment.StatusRunning, experiment.StatusCompleted,
		} {
			require.NoError(t, store.SaveTest(ctx, &experiment.Test{
				ID:     fmt.Sprintf("conf-list-%d", i),
				Status: status,
			}))
		}

		running, err := store.ListTests(ctx, experiment.StatusRunning)
		require.NoError(t, err)
		for _, test := range running {
			assert.Equal(t, experiment.StatusRunning, test.Status)
		}

		all, err := store.ListTests(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 2)
	})

	t.Run("AssignmentAtomicity", func(t *testing.T) {
		first := &experiment.Assignment{
			ID: "conf-a1", TestID: "conf-test-1", UserID: "u1", VariantID: "a",
			SessionID:  "s1",
			Context:    map[string]any{"country": "US"},
			AssignedAt: time.Now().Truncate(time.Millisecond),
		}
		stored, created, err := store.CreateAssignment(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "a", stored.VariantID)

		// 同 (test, user) 再写：返回既有记录
		dup := &experiment.Assignment{
			ID: "conf-a2", TestID: "conf-test-1", UserID: "u1", VariantID: "b",
		}
		stored, created, err = store.CreateAssignment(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "conf-a1", stored.ID)
		assert.Equal(t, "a", stored.VariantID)

		got, err := store.GetAssignment(ctx, "conf-test-1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "conf-a1", got.ID)
		assert.Equal(t, "US", got.Context["country"])

		_, err = store.GetAssignment(ctx, "conf-test-1", "stranger")
		assert.ErrorIs(t, err, experiment.ErrStoreNotFound)

		list, err := store.ListAssignments(ctx, "conf-test-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("ResultsAppendAndCount", func(t *testing.T) {
		for i := 1; i <= 4; i++ {
			total, err := store.AppendResult(ctx, &experiment.Result{
				ID: fmt.Sprintf("conf-r%d", i), TestID: "conf-results",
				VariantID: "a", UserID: "u1", Metric: "score",
				Value:      float64(i) / 10,
				RecordedAt: time.Now().Truncate(time.Millisecond),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i), total)
		}

		results, err := store.ListResults(ctx, "conf-results")
		require.NoError(t, err)
		assert.Len(t, results, 4)

		count, err := store.CountResults(ctx, "conf-results")
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)
	})

	t.Run("PurgeResults", func(t *testing.T) {
		now := time.Now()
		for i, age := range []time.Duration{-72 * time.Hour, -time.Minute} {
			_, err := store.AppendResult(ctx, &experiment.Result{
				ID: fmt.Sprintf("conf-purge-%d", i), TestID: "conf-purge",
				VariantID: "a", Metric: "score",
				RecordedAt: now.Add(age),
			})
			require.NoError(t, err)
		}

		removed, err := store.PurgeResults(ctx, "conf-purge", now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		count, err := store.CountResults(ctx, "conf-purge")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestMemoryStoreConformance(t *testing.T) {
	store := experiment.NewMemoryStore()
	defer store.Close()
	runStoreConformance(t, store)
}
