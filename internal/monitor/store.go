package monitor

import (
	"context"
	"errors"
)

// Sentinel errors for store operations. Implementations wrap backend errors
// with %w so callers can classify with errors.Is.
var (
	// ErrCheckNotFound is returned when a check ID does not exist.
	ErrCheckNotFound = errors.New("check not found")

	// ErrServiceNotFound is returned when a service ID does not exist.
	ErrServiceNotFound = errors.New("service not found")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is the persistent boundary of the agent. Single-process writer model;
// implementations must be swappable (in-memory for tests, embedded SQLite or
// PostgreSQL for production) under an identical contract.
//
// Any call may fail with a wrapped backend error; callers surface it, never
// swallow. The store never retries internally; retry policy lives in the
// scheduler and cleaner loops.
type Store interface {
	// ListDue atomically selects up to limit checks that are enabled, not
	// processing, and whose next_check_time <= now; transitions each selected
	// row to processing (stamping processing_started_at = now) and returns
	// them ordered by next_check_time then id.
	//
	// This is the core critical section: two concurrent calls must return
	// disjoint sets, and a processing check is never selected again until its
	// execution completes (or startup reconciliation resets it).
	ListDue(ctx context.Context, now int64, limit int) ([]Check, error)

	// AddResult appends an immutable result row. Results are never mutated;
	// only the cleaner deletes them.
	AddResult(ctx context.Context, result *Result) error

	// UpdateCheckAfterExecution returns the check to idle and advances its
	// next_check_time.
	UpdateCheckAfterExecution(ctx context.Context, checkID, nextCheckTime int64) error

	// RecordExecution performs AddResult and UpdateCheckAfterExecution in one
	// logical unit, so an observer never sees a result without the
	// corresponding schedule advance.
	RecordExecution(ctx context.Context, result *Result, nextCheckTime int64) error

	// RecentResults returns up to n results for a check, newest first.
	RecentResults(ctx context.Context, checkID int64, n int) ([]Result, error)

	// DeleteResultsOlderThan deletes at most batch results created before
	// cutoff and reports how many were deleted. The newest result of each
	// check survives regardless of age: the status-derivation window needs at
	// least one anchor.
	DeleteResultsOlderThan(ctx context.Context, cutoff int64, batch int) (int64, error)

	// ResetProcessing returns every processing check to idle. Called once at
	// startup: a check still marked processing means the prior run died
	// before completing. This is the sole source of at-most-once guarantees
	// across crashes.
	ResetProcessing(ctx context.Context) (int64, error)

	// Check CRUD (used by the seed loader and the external dashboard).
	AddCheck(ctx context.Context, check *Check) error
	GetCheck(ctx context.Context, checkID int64) (*Check, error)
	UpdateCheck(ctx context.Context, check *Check) error
	DeleteCheck(ctx context.Context, checkID int64) error
	ListChecks(ctx context.Context) ([]Check, error)
	ListChecksByService(ctx context.Context, serviceID int64) ([]Check, error)

	// Service CRUD.
	AddService(ctx context.Context, service *Service) error
	GetService(ctx context.Context, serviceID int64) (*Service, error)
	DeleteService(ctx context.Context, serviceID int64) error
	ListServices(ctx context.Context) ([]Service, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection or pool.
	Close() error
}
