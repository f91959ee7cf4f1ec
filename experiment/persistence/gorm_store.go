package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/expflow/experiment"
)

// GormStore is a SQL-backed implementation of experiment.Store. Suitable for
// single-node production deployments. Domain objects are stored as JSON
// payloads with the columns needed for filtering and uniqueness extracted.
type GormStore struct {
	db *gorm.DB
}

type testRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"index;size:16"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (testRecord) TableName() string { return "ab_tests" }

type assignmentRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	TestID     string `gorm:"size:64;uniqueIndex:idx_test_user,priority:1"`
	UserID     string `gorm:"size:128;uniqueIndex:idx_test_user,priority:2"`
	VariantID  string `gorm:"size:64"`
	Payload    string `gorm:"type:text"`
	AssignedAt time.Time
}

func (assignmentRecord) TableName() string { return "ab_assignments" }

type resultRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	TestID     string `gorm:"size:64;index"`
	Payload    string `gorm:"type:text"`
	RecordedAt time.Time `gorm:"index"`
}

func (resultRecord) TableName() string { return "ab_results" }

// NewGormStore opens the configured database and migrates the schema.
func NewGormStore(cfg DatabaseConfig) (*GormStore, error) {
	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&testRecord{}, &assignmentRecord{}, &resultRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

func openDialector(cfg DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return sqlite.Open(dsn), nil
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		}
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
				cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// SaveTest creates or replaces a test definition.
func (s *GormStore) SaveTest(ctx context.Context, test *experiment.Test) error {
	if test == nil || test.ID == "" {
		return experiment.ErrInvalidInput
	}
	payload, err := json.Marshal(test)
	if err != nil {
		return fmt.Errorf("failed to marshal test: %w", err)
	}
	rec := testRecord{
		ID:        test.ID,
		Status:    string(test.Status),
		Payload:   string(payload),
		CreatedAt: test.CreatedAt,
		UpdatedAt: test.UpdatedAt,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// GetTest retrieves a test by ID.
func (s *GormStore) GetTest(ctx context.Context, id string) (*experiment.Test, error) {
	var rec testRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, experiment.ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTest(rec.Payload)
}

// ListTests returns tests, optionally filtered by status.
func (s *GormStore) ListTests(ctx context.Context, statuses ...experiment.TestStatus) ([]*experiment.Test, error) {
	query := s.db.WithContext(ctx).Model(&testRecord{}).Order("created_at")
	if len(statuses) > 0 {
		raw := make([]string, len(statuses))
		for i, st := range statuses {
			raw[i] = string(st)
		}
		query = query.Where("status IN ?", raw)
	}

	var recs []testRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, err
	}
	tests := make([]*experiment.Test, 0, len(recs))
	for _, rec := range recs {
		test, err := decodeTest(rec.Payload)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	return tests, nil
}

// CreateAssignment inserts the assignment unless one exists for the
// (test, user) pair. The unique index makes the check-and-write atomic even
// across processes; on conflict the winner's row is returned.
func (s *GormStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	if a == nil || a.TestID == "" || a.UserID == "" {
		return nil, false, experiment.ErrInvalidInput
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal assignment: %w", err)
	}
	rec := assignmentRecord{
		ID:         a.ID,
		TestID:     a.TestID,
		UserID:     a.UserID,
		VariantID:  a.VariantID,
		Payload:    string(payload),
		AssignedAt: a.AssignedAt,
	}

	err = s.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}

	existing, err := s.GetAssignment(ctx, a.TestID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetAssignment retrieves the assignment for (test, user).
func (s *GormStore) GetAssignment(ctx context.Context, testID, userID string) (*experiment.Assignment, error) {
	var rec assignmentRecord
	err := s.db.WithContext(ctx).
		First(&rec, "test_id = ? AND user_id = ?", testID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, experiment.ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAssignment(rec.Payload)
}

// ListAssignments returns all assignments for a test.
func (s *GormStore) ListAssignments(ctx context.Context, testID string) ([]*experiment.Assignment, error) {
	var recs []assignmentRecord
	err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).Order("assigned_at").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	assignments := make([]*experiment.Assignment, 0, len(recs))
	for _, rec := range recs {
		a, err := decodeAssignment(rec.Payload)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// AppendResult appends a result row and returns the test's result count.
func (s *GormStore) AppendResult(ctx context.Context, r *experiment.Result) (int64, error) {
	if r == nil || r.TestID == "" {
		return 0, experiment.ErrInvalidInput
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal result: %w", err)
	}
	rec := resultRecord{
		ID:         r.ID,
		TestID:     r.TestID,
		Payload:    string(payload),
		RecordedAt: r.RecordedAt,
	}

	var total int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return tx.Model(&resultRecord{}).
			Where("test_id = ?", r.TestID).Count(&total).Error
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ListResults returns all results for a test.
func (s *GormStore) ListResults(ctx context.Context, testID string) ([]*experiment.Result, error) {
	var recs []resultRecord
	err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).Order("recorded_at").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	results := make([]*experiment.Result, 0, len(recs))
	for _, rec := range recs {
		r, err := decodeResult(rec.Payload)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// CountResults returns the number of results recorded for a test.
func (s *GormStore) CountResults(ctx context.Context, testID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&resultRecord{}).
		Where("test_id = ?", testID).Count(&total).Error
	return total, err
}

// PurgeResults removes results recorded before the cutoff.
func (s *GormStore) PurgeResults(ctx context.Context, testID string, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("test_id = ? AND recorded_at < ?", testID, before).
		Delete(&resultRecord{})
	return res.RowsAffected, res.Error
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeTest(payload string) (*experiment.Test, error) {
	var test experiment.Test
	if err := json.Unmarshal([]byte(payload), &test); err != nil {
		return nil, fmt.Errorf("failed to unmarshal test: %w", err)
	}
	return &test, nil
}

func decodeAssignment(payload string) (*experiment.Assignment, error) {
	var a experiment.Assignment
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignment: %w", err)
	}
	return &a, nil
}

func decodeResult(payload string) (*experiment.Result, error) {
	var r experiment.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &r, nil
}
