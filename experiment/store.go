package experiment

import (
	"context"
	"errors"
	"time"
)

// Store-level errors shared by all backends.
var (
	ErrStoreNotFound = errors.New("not found")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// Store is the persistence boundary of the engine. Tests are saved whole;
// assignments are created atomically at most once per (test, user); results
// are an append-only log.
//
// Implementations must make CreateAssignment a check-and-write: when an
// assignment already exists for the (test, user) pair the existing row is
// returned and created is false. This is what keeps assignment idempotent
// under concurrent requests.
type Store interface {
	// SaveTest creates or replaces a test definition.
	SaveTest(ctx context.Context, test *Test) error

	// GetTest retrieves a test by ID, ErrStoreNotFound if unknown.
	GetTest(ctx context.Context, id string) (*Test, error)

	// ListTests returns tests, optionally filtered by status.
	ListTests(ctx context.Context, statuses ...TestStatus) ([]*Test, error)

	// CreateAssignment persists the assignment unless one already exists for
	// the (test, user) pair, in which case the existing one is returned.
	CreateAssignment(ctx context.Context, a *Assignment) (stored *Assignment, created bool, err error)

	// GetAssignment retrieves the assignment for (test, user),
	// ErrStoreNotFound if absent.
	GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error)

	// ListAssignments returns all assignments for a test.
	ListAssignments(ctx context.Context, testID string) ([]*Assignment, error)

	// AppendResult appends a result row and returns the test's new result
	// count, which drives the count-based re-analysis trigger.
	AppendResult(ctx context.Context, r *Result) (total int64, err error)

	// ListResults returns all results for a test.
	ListResults(ctx context.Context, testID string) ([]*Result, error)

	// CountResults returns the number of results recorded for a test.
	CountResults(ctx context.Context, testID string) (int64, error)

	// PurgeResults removes results recorded before the cutoff, returning the
	// number removed. Used by the retention sweep for finished tests.
	PurgeResults(ctx context.Context, testID string, before time.Time) (int64, error)

	// Ping checks whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
