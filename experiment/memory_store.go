package experiment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存存储（默认，用于测试与单机场景）
// All reads return deep copies so callers cannot mutate stored state.
type MemoryStore struct {
	tests       map[string]*Test
	assignments map[string]map[string]*Assignment // testID -> userID -> assignment
	results     map[string][]*Result              // testID -> append-only log
	mu          sync.RWMutex
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*Test),
		assignments: make(map[string]map[string]*Assignment),
		results:     make(map[string][]*Result),
	}
}

// SaveTest 保存测试定义
func (s *MemoryStore) SaveTest(ctx context.Context, test *Test) error {
	if test == nil || test.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests[test.ID] = test.Clone()
	return nil
}

// GetTest 获取测试
func (s *MemoryStore) GetTest(ctx context.Context, id string) (*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	test, ok := s.tests[id]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return test.Clone(), nil
}

// ListTests 列出测试，可按状态过滤
func (s *MemoryStore) ListTests(ctx context.Context, statuses ...TestStatus) ([]*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := func(status TestStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if st == status {
				return true
			}
		}
		return false
	}

	tests := make([]*Test, 0, len(s.tests))
	for _, test := range s.tests {
		if wanted(test.Status) {
			tests = append(tests, test.Clone())
		}
	}
	return tests, nil
}

// CreateAssignment 原子地创建分配；已存在时返回既有记录
func (s *MemoryStore) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	if a == nil || a.TestID == "" || a.UserID == "" {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := s.assignments[a.TestID]
	if byUser == nil {
		byUser = make(map[string]*Assignment)
		s.assignments[a.TestID] = byUser
	}
	if existing, ok := byUser[a.UserID]; ok {
		return copyAssignment(existing), false, nil
	}

	byUser[a.UserID] = copyAssignment(a)
	return copyAssignment(a), true, nil
}

// GetAssignment 获取用户在某测试下的分配
func (s *MemoryStore) GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byUser, ok := s.assignments[testID]; ok {
		if a, ok := byUser[userID]; ok {
			return copyAssignment(a), nil
		}
	}
	return nil, ErrStoreNotFound
}

// ListAssignments 列出某测试的全部分配
func (s *MemoryStore) ListAssignments(ctx context.Context, testID string) ([]*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.assignments[testID]
	out := make([]*Assignment, 0, len(byUser))
	for _, a := range byUser {
		out = append(out, copyAssignment(a))
	}
	return out, nil
}

// AppendResult 追加结果并返回该测试的结果总数
func (s *MemoryStore) AppendResult(ctx context.Context, r *Result) (int64, error) {
	if r == nil || r.TestID == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.TestID] = append(s.results[r.TestID], copyResult(r))
	return int64(len(s.results[r.TestID])), nil
}

// ListResults 列出某测试的全部结果
func (s *MemoryStore) ListResults(ctx context.Context, testID string) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.results[testID]
	out := make([]*Result, len(rows))
	for i, r := range rows {
		out[i] = copyResult(r)
	}
	return out, nil
}

// CountResults 统计某测试的结果条数
func (s *MemoryStore) CountResults(ctx context.Context, testID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.results[testID])), nil
}

// PurgeResults 删除早于截止时间的结果
func (s *MemoryStore) PurgeResults(ctx context.Context, testID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.results[testID]
	kept := rows[:0]
	var removed int64
	for _, r := range rows {
		if r.RecordedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.results[testID] = kept
	return removed, nil
}

// Ping 健康检查
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close 关闭存储
func (s *MemoryStore) Close() error { return nil }

func copyAssignment(a *Assignment) *Assignment {
	cp := *a
	cp.Context = copyMap(a.Context)
	return &cp
}

func copyResult(r *Result) *Result {
	cp := *r
	cp.Context = copyMap(r.Context)
	return &cp
}
