package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/expflow/experiment"
)

// RedisStore is a Redis-based implementation of experiment.Store. Suitable
// for distributed production deployments: SetNX gives cross-process atomic
// assignment creation and sorted sets index tests, assignments and results.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "expflow:"
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "expflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) testKey(id string) string { return s.keyPrefix + "test:" + id }
func (s *RedisStore) testIndexKey() string     { return s.keyPrefix + "tests" }
func (s *RedisStore) assignmentKey(testID, userID string) string {
	return s.keyPrefix + "assign:" + testID + ":" + userID
}
func (s *RedisStore) assignmentIndexKey(testID string) string {
	return s.keyPrefix + "assigns:" + testID
}
func (s *RedisStore) resultsKey(testID string) string {
	return s.keyPrefix + "results:" + testID
}

// SaveTest creates or replaces a test definition.
func (s *RedisStore) SaveTest(ctx context.Context, test *experiment.Test) error {
	if test == nil || test.ID == "" {
		return experiment.ErrInvalidInput
	}
	data, err := json.Marshal(test)
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.testKey(test.ID), data, 0)
	pipe.ZAdd(ctx, s.testIndexKey(), redis.Z{
		Score:  float64(test.CreatedAt.UnixNano()),
		Member: test.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// GetTest retrieves a test by ID.
func (s *RedisStore) GetTest(ctx context.Context, id string) (*experiment.Test, error) {
	data, err := s.client.Get(ctx, s.testKey(id)).Bytes()
	if err == redis.Nil {
		return nil, experiment.ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	var test experiment.Test
	if err := json.Unmarshal(data, &test); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test: %w", err)
	}
	return &test, nil
}

// ListTests returns tests in creation order, optionally filtered by status.
func (s *RedisStore) ListTests(ctx context.Context, statuses ...experiment.TestStatus) ([]*experiment.Test, error) {
	ids, err := s.client.ZRange(ctx, s.testIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	wanted := make(map[experiment.TestStatus]struct{}, len(statuses))
	for _, st := range statuses {
		wanted[st] = struct{}{}
	}

	tests := make([]*experiment.Test, 0, len(ids))
	for _, id := range ids {
		test, err := s.GetTest(ctx, id)
		if err == experiment.ErrStoreNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 {
			if _, ok := wanted[test.Status]; !ok {
				continue
			}
		}
		tests = append(tests, test)
	}
	return tests, nil
}

// CreateAssignment uses SetNX so only the first writer for a (test, user)
// pair wins; later writers get the stored assignment back.
func (s *RedisStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	if a == nil || a.TestID == "" || a.UserID == "" {
		return nil, false, experiment.ErrInvalidInput
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal assignment: %w", err)
	}

	key := s.assignmentKey(a.TestID, a.UserID)
	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.GetAssignment(ctx, a.TestID, a.UserID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	err = s.client.ZAdd(ctx, s.assignmentIndexKey(a.TestID), redis.Z{
		Score:  float64(a.AssignedAt.UnixNano()),
		Member: a.UserID,
	}).Err()
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// GetAssignment retrieves the assignment for (test, user).
func (s *RedisStore) GetAssignment(ctx context.Context, testID, userID string) (*experiment.Assignment, error) {
	data, err := s.client.Get(ctx, s.assignmentKey(testID, userID)).Bytes()
	if err == redis.Nil {
		return nil, experiment.ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	var a experiment.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignment: %w", err)
	}
	return &a, nil
}

// ListAssignments returns all assignments for a test in assignment order.
func (s *RedisStore) ListAssignments(ctx context.Context, testID string) ([]*experiment.Assignment, error) {
	userIDs, err := s.client.ZRange(ctx, s.assignmentIndexKey(testID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	assignments := make([]*experiment.Assignment, 0, len(userIDs))
	for _, userID := range userIDs {
		a, err := s.GetAssignment(ctx, testID, userID)
		if err == experiment.ErrStoreNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// AppendResult adds the result to the test's sorted set, scored by record
// time, and returns the new cardinality in the same transaction.
func (s *RedisStore) AppendResult(ctx context.Context, r *experiment.Result) (int64, error) {
	if r == nil || r.TestID == "" {
		return 0, experiment.ErrInvalidInput
	}
	data, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.resultsKey(r.TestID), redis.Z{
		Score:  float64(r.RecordedAt.UnixNano()),
		Member: data,
	})
	card := pipe.ZCard(ctx, s.resultsKey(r.TestID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// ListResults returns all results for a test in record order.
func (s *RedisStore) ListResults(ctx context.Context, testID string) ([]*experiment.Result, error) {
	rows, err := s.client.ZRange(ctx, s.resultsKey(testID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	results := make([]*experiment.Result, 0, len(rows))
	for _, row := range rows {
		var r experiment.Result
		if err := json.Unmarshal([]byte(row), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		results = append(results, &r)
	}
	return results, nil
}

// CountResults returns the number of results recorded for a test.
func (s *RedisStore) CountResults(ctx context.Context, testID string) (int64, error) {
	return s.client.ZCard(ctx, s.resultsKey(testID)).Result()
}

// PurgeResults removes results recorded before the cutoff.
func (s *RedisStore) PurgeResults(ctx context.Context, testID string, before time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(before.UnixNano(), 10)
	return s.client.ZRemRangeByScore(ctx, s.resultsKey(testID), "-inf", max).Result()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
