package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

// MemoryStore is a mutex-guarded in-memory implementation of monitor.Store.
// It honors the same contract as the SQL store (atomic ListDue, keep-newest
// retention, idempotent Close) and exists for tests and local experiments.
type MemoryStore struct {
	mu sync.Mutex

	checks   map[int64]monitor.Check
	results  map[int64]monitor.Result
	services map[int64]monitor.Service

	nextCheckID   int64
	nextResultID  int64
	nextServiceID int64

	closed bool
}

var _ monitor.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checks:   make(map[int64]monitor.Check),
		results:  make(map[int64]monitor.Result),
		services: make(map[int64]monitor.Service),
	}
}

// ListDue selects and claims due checks under the store lock, so concurrent
// callers always receive disjoint sets.
func (m *MemoryStore) ListDue(_ context.Context, now int64, limit int) ([]monitor.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	var due []monitor.Check

	for _, check := range m.checks {
		if check.Disabled || check.Status == monitor.CheckProcessing {
			continue
		}

		if check.NextCheckTime <= now {
			due = append(due, check)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextCheckTime != due[j].NextCheckTime {
			return due[i].NextCheckTime < due[j].NextCheckTime
		}

		return due[i].ID < due[j].ID
	})

	if len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].Status = monitor.CheckProcessing
		due[i].ProcessingStartedAt = now
		m.checks[due[i].ID] = due[i]
	}

	return due, nil
}

// AddResult appends one result row.
func (m *MemoryStore) AddResult(_ context.Context, result *monitor.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	m.addResultLocked(result)

	return nil
}

func (m *MemoryStore) addResultLocked(result *monitor.Result) {
	m.nextResultID++
	result.ID = m.nextResultID

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	m.results[result.ID] = *result
}

// UpdateCheckAfterExecution returns a check to idle and advances its schedule.
func (m *MemoryStore) UpdateCheckAfterExecution(_ context.Context, checkID, nextCheckTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	return m.finishCheckLocked(checkID, nextCheckTime)
}

func (m *MemoryStore) finishCheckLocked(checkID, nextCheckTime int64) error {
	check, ok := m.checks[checkID]
	if !ok {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, checkID)
	}

	check.Status = monitor.CheckIdle
	check.NextCheckTime = nextCheckTime
	check.ProcessingStartedAt = 0
	m.checks[checkID] = check

	return nil
}

// RecordExecution applies AddResult and the schedule advance atomically.
func (m *MemoryStore) RecordExecution(_ context.Context, result *monitor.Result, nextCheckTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	if _, ok := m.checks[result.CheckID]; !ok {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, result.CheckID)
	}

	m.addResultLocked(result)

	return m.finishCheckLocked(result.CheckID, nextCheckTime)
}

// RecentResults returns up to n results for a check, newest first.
func (m *MemoryStore) RecentResults(_ context.Context, checkID int64, n int) ([]monitor.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	var results []monitor.Result

	for _, result := range m.results {
		if result.CheckID == checkID {
			results = append(results, result)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}

		return results[i].ID > results[j].ID
	})

	if len(results) > n {
		results = results[:n]
	}

	return results, nil
}

// DeleteResultsOlderThan deletes at most batch results created before cutoff,
// always keeping the newest result of every check.
func (m *MemoryStore) DeleteResultsOlderThan(_ context.Context, cutoff int64, batch int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, monitor.ErrStoreClosed
	}

	newest := make(map[int64]int64) // check ID -> newest result ID
	for id, result := range m.results {
		if id > newest[result.CheckID] {
			newest[result.CheckID] = id
		}
	}

	var candidates []monitor.Result

	for id, result := range m.results {
		if result.CreatedAt < cutoff && newest[result.CheckID] != id {
			candidates = append(candidates, result)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt != candidates[j].CreatedAt {
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		}

		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > batch {
		candidates = candidates[:batch]
	}

	for _, result := range candidates {
		delete(m.results, result.ID)
	}

	return int64(len(candidates)), nil
}

// ResetProcessing returns every processing check to idle.
func (m *MemoryStore) ResetProcessing(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, monitor.ErrStoreClosed
	}

	var reset int64

	for id, check := range m.checks {
		if check.Status == monitor.CheckProcessing {
			check.Status = monitor.CheckIdle
			check.ProcessingStartedAt = 0
			m.checks[id] = check
			reset++
		}
	}

	return reset, nil
}

// AddCheck inserts a check and fills in its assigned ID.
func (m *MemoryStore) AddCheck(_ context.Context, check *monitor.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	m.nextCheckID++
	check.ID = m.nextCheckID

	if check.Status == "" {
		check.Status = monitor.CheckIdle
	}

	if check.CreatedAt == 0 {
		check.CreatedAt = time.Now().Unix()
	}

	m.checks[check.ID] = *check

	return nil
}

// GetCheck fetches one check by ID.
func (m *MemoryStore) GetCheck(_ context.Context, checkID int64) (*monitor.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	check, ok := m.checks[checkID]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, checkID)
	}

	return &check, nil
}

// UpdateCheck replaces a stored check.
func (m *MemoryStore) UpdateCheck(_ context.Context, check *monitor.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	if _, ok := m.checks[check.ID]; !ok {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, check.ID)
	}

	m.checks[check.ID] = *check

	return nil
}

// DeleteCheck removes a check and its results.
func (m *MemoryStore) DeleteCheck(_ context.Context, checkID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	if _, ok := m.checks[checkID]; !ok {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, checkID)
	}

	delete(m.checks, checkID)

	for id, result := range m.results {
		if result.CheckID == checkID {
			delete(m.results, id)
		}
	}

	return nil
}

// ListChecks returns all checks ordered by ID.
func (m *MemoryStore) ListChecks(_ context.Context) ([]monitor.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	checks := make([]monitor.Check, 0, len(m.checks))
	for _, check := range m.checks {
		checks = append(checks, check)
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].ID < checks[j].ID })

	return checks, nil
}

// ListChecksByService returns all checks belonging to one service.
func (m *MemoryStore) ListChecksByService(_ context.Context, serviceID int64) ([]monitor.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	var checks []monitor.Check

	for _, check := range m.checks {
		if check.ServiceID == serviceID {
			checks = append(checks, check)
		}
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].ID < checks[j].ID })

	return checks, nil
}

// AddService inserts a service and fills in its assigned ID.
func (m *MemoryStore) AddService(_ context.Context, service *monitor.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	m.nextServiceID++
	service.ID = m.nextServiceID
	m.services[service.ID] = *service

	return nil
}

// GetService fetches one service by ID.
func (m *MemoryStore) GetService(_ context.Context, serviceID int64) (*monitor.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	service, ok := m.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", monitor.ErrServiceNotFound, serviceID)
	}

	return &service, nil
}

// DeleteService removes a service with its checks and their results.
func (m *MemoryStore) DeleteService(_ context.Context, serviceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	if _, ok := m.services[serviceID]; !ok {
		return fmt.Errorf("%w: id=%d", monitor.ErrServiceNotFound, serviceID)
	}

	delete(m.services, serviceID)

	for id, check := range m.checks {
		if check.ServiceID != serviceID {
			continue
		}

		delete(m.checks, id)

		for rid, result := range m.results {
			if result.CheckID == id {
				delete(m.results, rid)
			}
		}
	}

	return nil
}

// ListServices returns all services ordered by ID.
func (m *MemoryStore) ListServices(_ context.Context) ([]monitor.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, monitor.ErrStoreClosed
	}

	services := make([]monitor.Service, 0, len(m.services))
	for _, service := range m.services {
		services = append(services, service)
	}

	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })

	return services, nil
}

// HealthCheck reports whether the store is open.
func (m *MemoryStore) HealthCheck(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return monitor.ErrStoreClosed
	}

	return nil
}

// Close marks the store closed. Idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}
