package experiment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SaveAndGetTest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	test := &Test{
		ID:     "t1",
		Name:   "store test",
		Status: StatusDraft,
		Variants: []Variant{
			{ID: "a", Weight: 0.5, Config: map[string]any{"model": "x"}},
			{ID: "b", Weight: 0.5},
		},
	}
	require.NoError(t, store.SaveTest(ctx, test))

	got, err := store.GetTest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "store test", got.Name)

	// 深拷贝：改返回值不影响存储
	got.Name = "mutated"
	got.Variants[0].Config["model"] = "y"
	again, err := store.GetTest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "store test", again.Name)
	assert.Equal(t, "x", again.Variants[0].Config["model"])
}

func TestMemoryStore_GetTestNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetTest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestMemoryStore_SaveTestValidation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	assert.ErrorIs(t, store.SaveTest(ctx, nil), ErrInvalidInput)
	assert.ErrorIs(t, store.SaveTest(ctx, &Test{}), ErrInvalidInput)
}

func TestMemoryStore_ListTestsByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	statuses := []TestStatus{StatusDraft, StatusRunning, StatusRunning, StatusCompleted}
	for i, status := range statuses {
		require.NoError(t, store.SaveTest(ctx, &Test{
			ID:     fmt.Sprintf("t%d", i),
			Status: status,
		}))
	}

	all, err := store.ListTests(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	running, err := store.ListTests(ctx, StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	finished, err := store.ListTests(ctx, StatusCompleted, StatusCancelled)
	require.NoError(t, err)
	assert.Len(t, finished, 1)
}

func TestMemoryStore_CreateAssignmentAtomicity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Assignment{ID: "a1", TestID: "t1", UserID: "u1", VariantID: "A"}
	stored, created, err := store.CreateAssignment(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "A", stored.VariantID)

	// 第二次写入同一 (test, user)：返回既有记录，不覆盖
	second := &Assignment{ID: "a2", TestID: "t1", UserID: "u1", VariantID: "B"}
	stored, created, err = store.CreateAssignment(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", stored.ID)
	assert.Equal(t, "A", stored.VariantID)
}

func TestMemoryStore_CreateAssignmentConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 32
	var wg sync.WaitGroup
	winners := make([]bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := store.CreateAssignment(ctx, &Assignment{
				ID: fmt.Sprintf("a%d", i), TestID: "t1", UserID: "u1",
				VariantID: fmt.Sprintf("v%d", i),
			})
			assert.NoError(t, err)
			winners[i] = created
		}(i)
	}
	wg.Wait()

	var createdCount int
	for _, won := range winners {
		if won {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount, "exactly one concurrent writer wins")
}

func TestMemoryStore_Results(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		total, err := store.AppendResult(ctx, &Result{
			ID: fmt.Sprintf("r%d", i), TestID: "t1", VariantID: "a",
			Metric: "score", Value: float64(i),
			RecordedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), total, "append returns the running total")
	}

	results, err := store.ListResults(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, results, 5)

	count, err := store.CountResults(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	count, err = store.CountResults(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore_PurgeResults(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	ages := []time.Duration{-100 * time.Hour, -50 * time.Hour, -time.Hour}
	for i, age := range ages {
		_, err := store.AppendResult(ctx, &Result{
			ID: fmt.Sprintf("r%d", i), TestID: "t1",
			Metric: "score", RecordedAt: now.Add(age),
		})
		require.NoError(t, err)
	}

	removed, err := store.PurgeResults(ctx, "t1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	remaining, err := store.ListResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "r2", remaining[0].ID)
}

func TestMemoryStore_ListAssignments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.CreateAssignment(ctx, &Assignment{
			ID: fmt.Sprintf("a%d", i), TestID: "t1",
			UserID: fmt.Sprintf("u%d", i), VariantID: "a",
		})
		require.NoError(t, err)
	}

	assignments, err := store.ListAssignments(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, assignments, 3)

	empty, err := store.ListAssignments(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
