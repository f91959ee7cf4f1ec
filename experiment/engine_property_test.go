package experiment

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProperty_TrafficAllocation 校验分配比例收敛到配置权重
// 任意 2-5 个变体、任意权重组合，足够多用户后各变体的实际份额应
// 接近归一化权重。
func TestProperty_TrafficAllocation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numVariants := rapid.IntRange(2, 5).Draw(rt, "numVariants")

		raw := make([]float64, numVariants)
		var total float64
		for i := range raw {
			raw[i] = rapid.Float64Range(0.1, 1.0).Draw(rt, fmt.Sprintf("weight_%d", i))
			total += raw[i]
		}

		// 归一化到 1，满足创建校验
		variants := make([]Variant, numVariants)
		for i := range variants {
			variants[i] = Variant{
				ID:        fmt.Sprintf("variant-%d", i),
				Name:      fmt.Sprintf("Variant %d", i),
				Weight:    raw[i] / total,
				IsControl: i == 0,
			}
		}

		testID := rapid.StringMatching(`test-[a-z0-9]{8}`).Draw(rt, "testID")

		engine := NewEngine(testConfig(), NewMemoryStore(), nil)
		defer engine.Close()
		ctx := context.Background()

		created, err := engine.CreateTest(ctx, &TestSpec{
			ID:       testID,
			Name:     "traffic allocation property",
			Variants: variants,
		})
		require.NoError(rt, err)
		_, err = engine.StartTest(ctx, created.ID)
		require.NoError(rt, err)

		const numUsers = 2000
		counts := make(map[string]int, numVariants)
		for i := 0; i < numUsers; i++ {
			assignment, err := engine.AssignUser(ctx, fmt.Sprintf("user-%d", i), created.ID, nil, "")
			require.NoError(rt, err)
			require.NotNil(rt, assignment)
			counts[assignment.VariantID]++
		}

		for _, v := range variants {
			actual := float64(counts[v.ID]) / numUsers
			if diff := actual - v.Weight; diff > 0.05 || diff < -0.05 {
				rt.Fatalf("variant %s: actual share %.3f, expected %.3f", v.ID, actual, v.Weight)
			}
		}
	})
}

// TestProperty_AssignmentDeterminism 同一 (test, user) 的分配与引擎实例无关
func TestProperty_AssignmentDeterminism(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		testID := rapid.StringMatching(`test-[a-z0-9]{6}`).Draw(rt, "testID")
		userID := rapid.StringMatching(`user-[a-z0-9]{6}`).Draw(rt, "userID")
		weight := rapid.Float64Range(0.1, 0.9).Draw(rt, "weight")

		spec := &TestSpec{
			ID:   testID,
			Name: "determinism property",
			Variants: []Variant{
				{ID: "A", Weight: weight, IsControl: true},
				{ID: "B", Weight: 1 - weight},
			},
		}

		ctx := context.Background()
		var got []string
		for i := 0; i < 2; i++ {
			engine := NewEngine(testConfig(), NewMemoryStore(), nil)
			created, err := engine.CreateTest(ctx, spec)
			require.NoError(rt, err)
			_, err = engine.StartTest(ctx, created.ID)
			require.NoError(rt, err)

			assignment, err := engine.AssignUser(ctx, userID, created.ID, nil, "")
			require.NoError(rt, err)
			require.NotNil(rt, assignment)
			got = append(got, assignment.VariantID)
			engine.Close()
		}

		if got[0] != got[1] {
			rt.Fatalf("assignment not deterministic: %s vs %s", got[0], got[1])
		}
	})
}

// TestProperty_BucketValueRange 任意种子的抽样值都落在 [0, 1)
func TestProperty_BucketValueRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.String().Draw(rt, "seed")
		v := BucketValue(seed)
		if v < 0 || v >= 1 {
			rt.Fatalf("BucketValue(%q) = %v, outside [0, 1)", seed, v)
		}
		if v != BucketValue(seed) {
			rt.Fatalf("BucketValue(%q) not stable", seed)
		}
	})
}

// TestProperty_ResultsRequireAssignment 未分配用户的结果永远被拒
func TestProperty_ResultsRequireAssignment(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		userID := rapid.StringMatching(`user-[a-z0-9]{6}`).Draw(rt, "userID")
		metric := rapid.StringMatching(`[a-z]{3,10}`).Draw(rt, "metric")
		value := rapid.Float64().Draw(rt, "value")

		engine := NewEngine(testConfig(), NewMemoryStore(), nil)
		defer engine.Close()
		ctx := context.Background()

		spec := twoVariantSpec("orphan results property")
		// 0% 流量：谁都拿不到分配
		spec.Targeting = &TargetingRules{Percentage: 0}
		created, err := engine.CreateTest(ctx, spec)
		require.NoError(rt, err)
		_, err = engine.StartTest(ctx, created.ID)
		require.NoError(rt, err)

		assignment, err := engine.AssignUser(ctx, userID, created.ID, nil, "")
		require.NoError(rt, err)
		require.Nil(rt, assignment)

		err = engine.RecordResult(ctx, created.ID, userID, metric, value, nil, "")
		require.ErrorIs(rt, err, ErrNotAssigned)
	})
}
