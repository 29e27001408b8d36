package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vigil-io/vigil/internal/monitor"
)

// SQLStore implements monitor.Store on top of a Connection. The same code
// serves both dialects; the few places where SQL diverges (auto-increment id
// retrieval, row locking) branch on the connection's driver.
type SQLStore struct {
	conn   *Connection
	logger *slog.Logger
	closed atomic.Bool
}

// Compile-time check that SQLStore satisfies the domain contract.
var _ monitor.Store = (*SQLStore)(nil)

// NewStore creates a store backed by the given connection.
func NewStore(conn *Connection, logger *slog.Logger) (*SQLStore, error) {
	if conn == nil || conn.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &SQLStore{conn: conn, logger: logger}, nil
}

// checkRow mirrors the health_check table. disabled is stored as 0/1 and data
// as a JSON text blob in both dialects.
type checkRow struct {
	ID                  int64  `db:"id"`
	ServiceID           int64  `db:"service_id"`
	Name                string `db:"name"`
	Kind                string `db:"kind"`
	Target              string `db:"target"`
	Interval            int64  `db:"interval_seconds"`
	Disabled            int64  `db:"disabled"`
	Data                string `db:"data"`
	Status              string `db:"status"`
	NextCheckTime       int64  `db:"next_check_time"`
	ProcessingStartedAt int64  `db:"processing_started_at"`
	CreatedAt           int64  `db:"created_at"`
}

func (r checkRow) toDomain() monitor.Check {
	check := monitor.Check{
		ID:                  r.ID,
		ServiceID:           r.ServiceID,
		Name:                r.Name,
		Kind:                monitor.CheckKind(r.Kind),
		Target:              r.Target,
		Interval:            r.Interval,
		Disabled:            r.Disabled != 0,
		Status:              monitor.CheckStatus(r.Status),
		NextCheckTime:       r.NextCheckTime,
		ProcessingStartedAt: r.ProcessingStartedAt,
		CreatedAt:           r.CreatedAt,
	}
	if r.Data != "" {
		check.Data = json.RawMessage(r.Data)
	}

	return check
}

type resultRow struct {
	ID        int64  `db:"id"`
	CheckID   int64  `db:"check_id"`
	Status    string `db:"status"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

func (r resultRow) toDomain() (monitor.Result, error) {
	result := monitor.Result{
		ID:        r.ID,
		CheckID:   r.CheckID,
		Status:    monitor.ResultStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}

	if r.Payload != "" && r.Payload != "{}" {
		if err := json.Unmarshal([]byte(r.Payload), &result.Payload); err != nil {
			return monitor.Result{}, fmt.Errorf("unmarshal result payload: %w", err)
		}
	}

	return result, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal result payload: %w", err)
	}

	return string(encoded), nil
}

func checkData(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}

	return string(data)
}

const checkColumns = `id, service_id, name, kind, target, interval_seconds,
	disabled, data, status, next_check_time, processing_started_at, created_at`

// ListDue atomically claims up to limit due checks. Both dialects run a
// select-then-mark transaction: SQLite relies on _txlock=immediate making the
// whole transaction a single writer critical section, PostgreSQL locks the
// selected rows with FOR UPDATE SKIP LOCKED.
func (s *SQLStore) ListDue(ctx context.Context, now int64, limit int) ([]monitor.Check, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	tx, err := s.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin list due: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + checkColumns + `
		FROM health_check
		WHERE disabled = 0 AND status <> 'processing' AND next_check_time <= ?
		ORDER BY next_check_time, id
		LIMIT ?`
	if s.conn.driver == DriverPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var rows []checkRow
	if err := tx.SelectContext(ctx, &rows, s.conn.Rebind(query), now, limit); err != nil {
		return nil, fmt.Errorf("select due checks: %w", err)
	}

	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	mark, args, err := sqlx.In(
		`UPDATE health_check SET status = 'processing', processing_started_at = ? WHERE id IN (?)`,
		now, ids)
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.conn.Rebind(mark), args...); err != nil {
		return nil, fmt.Errorf("claim due checks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit list due: %w", err)
	}

	checks := make([]monitor.Check, len(rows))
	for i, row := range rows {
		row.Status = string(monitor.CheckProcessing)
		row.ProcessingStartedAt = now
		checks[i] = row.toDomain()
	}

	return checks, nil
}

// AddResult appends one immutable result row.
func (s *SQLStore) AddResult(ctx context.Context, result *monitor.Result) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	return s.insertResult(ctx, s.conn.db, result)
}

func (s *SQLStore) insertResult(ctx context.Context, ext sqlx.ExtContext, result *monitor.Result) error {
	payload, err := marshalPayload(result.Payload)
	if err != nil {
		return err
	}

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	id, err := s.insertReturningID(ctx, ext,
		`INSERT INTO check_result (check_id, status, payload, created_at) VALUES (?, ?, ?, ?)`,
		result.CheckID, string(result.Status), payload, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	result.ID = id

	return nil
}

// UpdateCheckAfterExecution returns a check to idle and advances its schedule.
func (s *SQLStore) UpdateCheckAfterExecution(ctx context.Context, checkID, nextCheckTime int64) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	return s.finishCheck(ctx, s.conn.db, checkID, nextCheckTime)
}

func (s *SQLStore) finishCheck(ctx context.Context, ext sqlx.ExtContext, checkID, nextCheckTime int64) error {
	res, err := ext.ExecContext(ctx, s.conn.Rebind(
		`UPDATE health_check
		SET status = 'idle', next_check_time = ?, processing_started_at = 0
		WHERE id = ?`),
		nextCheckTime, checkID)
	if err != nil {
		return fmt.Errorf("update check after execution: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update check after execution: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, checkID)
	}

	return nil
}

// RecordExecution writes the result and the schedule advance in one
// transaction, so an observer never sees one without the other.
func (s *SQLStore) RecordExecution(ctx context.Context, result *monitor.Result, nextCheckTime int64) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	tx, err := s.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Schedule advance first: it is the operation that can fail with
	// ErrCheckNotFound, and the insert's foreign key then holds trivially.
	if err := s.finishCheck(ctx, tx, result.CheckID, nextCheckTime); err != nil {
		return err
	}

	if err := s.insertResult(ctx, tx, result); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record execution: %w", err)
	}

	return nil
}

// RecentResults returns up to n results for a check, newest first.
func (s *SQLStore) RecentResults(ctx context.Context, checkID int64, n int) ([]monitor.Result, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	var rows []resultRow
	err := s.conn.db.SelectContext(ctx, &rows, s.conn.Rebind(
		`SELECT id, check_id, status, payload, created_at
		FROM check_result
		WHERE check_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`),
		checkID, n)
	if err != nil {
		return nil, fmt.Errorf("select recent results: %w", err)
	}

	results := make([]monitor.Result, 0, len(rows))

	for _, row := range rows {
		result, err := row.toDomain()
		if err != nil {
			return nil, err
		}

		results = append(results, result)
	}

	return results, nil
}

// DeleteResultsOlderThan deletes at most batch results created before cutoff.
// The newest result of each check is always kept so status derivation retains
// an anchor even for long-disabled checks.
func (s *SQLStore) DeleteResultsOlderThan(ctx context.Context, cutoff int64, batch int) (int64, error) {
	if s.closed.Load() {
		return 0, monitor.ErrStoreClosed
	}

	res, err := s.conn.db.ExecContext(ctx, s.conn.Rebind(
		`DELETE FROM check_result
		WHERE id IN (
			SELECT id FROM check_result
			WHERE created_at < ?
			  AND id NOT IN (SELECT MAX(id) FROM check_result GROUP BY check_id)
			ORDER BY created_at
			LIMIT ?
		)`),
		cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("delete old results: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old results: %w", err)
	}

	return deleted, nil
}

// ResetProcessing returns every processing check to idle. Startup
// reconciliation: a processing row at boot means the prior run died mid-batch.
func (s *SQLStore) ResetProcessing(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, monitor.ErrStoreClosed
	}

	res, err := s.conn.db.ExecContext(ctx,
		`UPDATE health_check SET status = 'idle', processing_started_at = 0 WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("reset processing checks: %w", err)
	}

	reset, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset processing checks: %w", err)
	}

	return reset, nil
}

// AddCheck inserts a check and fills in its assigned ID.
func (s *SQLStore) AddCheck(ctx context.Context, check *monitor.Check) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	if check.Status == "" {
		check.Status = monitor.CheckIdle
	}

	if check.CreatedAt == 0 {
		check.CreatedAt = time.Now().Unix()
	}

	id, err := s.insertReturningID(ctx, s.conn.db,
		`INSERT INTO health_check
		(service_id, name, kind, target, interval_seconds, disabled, data, status, next_check_time, processing_started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ServiceID, check.Name, string(check.Kind), check.Target, check.Interval,
		boolToInt(check.Disabled), checkData(check.Data), string(check.Status),
		check.NextCheckTime, check.ProcessingStartedAt, check.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert check: %w", err)
	}

	check.ID = id

	return nil
}

// GetCheck fetches one check by ID.
func (s *SQLStore) GetCheck(ctx context.Context, checkID int64) (*monitor.Check, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	var row checkRow
	err := s.conn.db.GetContext(ctx, &row, s.conn.Rebind(
		`SELECT `+checkColumns+` FROM health_check WHERE id = ?`), checkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, checkID)
	}

	if err != nil {
		return nil, fmt.Errorf("select check: %w", err)
	}

	check := row.toDomain()

	return &check, nil
}

// UpdateCheck replaces every mutable column of a check.
func (s *SQLStore) UpdateCheck(ctx context.Context, check *monitor.Check) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	res, err := s.conn.db.ExecContext(ctx, s.conn.Rebind(
		`UPDATE health_check
		SET service_id = ?, name = ?, kind = ?, target = ?, interval_seconds = ?,
		    disabled = ?, data = ?, status = ?, next_check_time = ?, processing_started_at = ?
		WHERE id = ?`),
		check.ServiceID, check.Name, string(check.Kind), check.Target, check.Interval,
		boolToInt(check.Disabled), checkData(check.Data), string(check.Status),
		check.NextCheckTime, check.ProcessingStartedAt, check.ID)
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update check: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, check.ID)
	}

	return nil
}

// DeleteCheck removes a check; its results go with it via ON DELETE CASCADE.
func (s *SQLStore) DeleteCheck(ctx context.Context, checkID int64) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	res, err := s.conn.db.ExecContext(ctx,
		s.conn.Rebind(`DELETE FROM health_check WHERE id = ?`), checkID)
	if err != nil {
		return fmt.Errorf("delete check: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete check: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id=%d", monitor.ErrCheckNotFound, checkID)
	}

	return nil
}

// ListChecks returns all checks ordered by ID.
func (s *SQLStore) ListChecks(ctx context.Context) ([]monitor.Check, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	return s.selectChecks(ctx, `SELECT `+checkColumns+` FROM health_check ORDER BY id`)
}

// ListChecksByService returns all checks belonging to one service.
func (s *SQLStore) ListChecksByService(ctx context.Context, serviceID int64) ([]monitor.Check, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	return s.selectChecks(ctx,
		`SELECT `+checkColumns+` FROM health_check WHERE service_id = ? ORDER BY id`, serviceID)
}

func (s *SQLStore) selectChecks(ctx context.Context, query string, args ...any) ([]monitor.Check, error) {
	var rows []checkRow
	if err := s.conn.db.SelectContext(ctx, &rows, s.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select checks: %w", err)
	}

	checks := make([]monitor.Check, len(rows))
	for i, row := range rows {
		checks[i] = row.toDomain()
	}

	return checks, nil
}

// AddService inserts a service and fills in its assigned ID.
func (s *SQLStore) AddService(ctx context.Context, service *monitor.Service) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	id, err := s.insertReturningID(ctx, s.conn.db,
		`INSERT INTO service (name) VALUES (?)`, service.Name)
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}

	service.ID = id

	return nil
}

// GetService fetches one service by ID.
func (s *SQLStore) GetService(ctx context.Context, serviceID int64) (*monitor.Service, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	var service monitor.Service
	err := s.conn.db.GetContext(ctx, &service,
		s.conn.Rebind(`SELECT id, name FROM service WHERE id = ?`), serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", monitor.ErrServiceNotFound, serviceID)
	}

	if err != nil {
		return nil, fmt.Errorf("select service: %w", err)
	}

	return &service, nil
}

// DeleteService removes a service and, via cascade, its checks and results.
func (s *SQLStore) DeleteService(ctx context.Context, serviceID int64) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	res, err := s.conn.db.ExecContext(ctx,
		s.conn.Rebind(`DELETE FROM service WHERE id = ?`), serviceID)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id=%d", monitor.ErrServiceNotFound, serviceID)
	}

	return nil
}

// ListServices returns all services ordered by ID.
func (s *SQLStore) ListServices(ctx context.Context) ([]monitor.Service, error) {
	if s.closed.Load() {
		return nil, monitor.ErrStoreClosed
	}

	var services []monitor.Service
	err := s.conn.db.SelectContext(ctx, &services, `SELECT id, name FROM service ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select services: %w", err)
	}

	return services, nil
}

// HealthCheck verifies the backend is reachable.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return monitor.ErrStoreClosed
	}

	return s.conn.HealthCheck(ctx)
}

// Close marks the store closed and releases the pool.
func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	return s.conn.Close()
}

// insertReturningID runs an INSERT and reports the assigned id. PostgreSQL
// has no LastInsertId, so the statement grows a RETURNING clause there.
func (s *SQLStore) insertReturningID(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	if s.conn.driver == DriverPostgres {
		var id int64
		row := ext.QueryRowxContext(ctx, s.conn.Rebind(query+` RETURNING id`), args...)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}

		return id, nil
	}

	res, err := ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}

	return 0
}
