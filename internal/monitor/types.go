// Package monitor provides the domain model for the check-execution engine:
// checks, execution results, services, derived status computation, and the
// persistence interface the rest of the agent depends on.
//
// This package defines the Store interface which represents what the domain
// needs for persistence, following the Dependency Inversion Principle.
// Concrete implementations (SQLite, PostgreSQL, in-memory) live in the
// internal/storage package.
package monitor

import "encoding/json"

// CheckKind identifies the probe type of a check. Each kind has exactly one
// executor registered in internal/executor; the kind also owns the schema of
// the check's Data blob.
type CheckKind string

// Supported check kinds.
const (
	KindHTTP        CheckKind = "http"
	KindJSONHTTP    CheckKind = "json-http"
	KindDNS         CheckKind = "dns"
	KindTCP         CheckKind = "tcp"
	KindSMTP        CheckKind = "smtp"
	KindIMAP        CheckKind = "imap"
	KindJSONMetrics CheckKind = "json-metrics"
	KindSSHJSON     CheckKind = "custom-ssh-json"
)

// CheckStatus is the scheduling state of a check, not its health.
type CheckStatus string

const (
	// CheckIdle means the check is waiting for its next_check_time.
	CheckIdle CheckStatus = "idle"
	// CheckDue is set externally (e.g. by the dashboard's "run now") to make
	// a check eligible regardless of next_check_time bookkeeping. ListDue
	// treats idle and due identically; only processing excludes a check.
	CheckDue CheckStatus = "due"
	// CheckProcessing means an in-flight execution claims this check. A
	// processing check must never be selected as due a second time.
	CheckProcessing CheckStatus = "processing"
)

// ResultStatus is the raw outcome of one execution.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// Check is a probe definition. Executors read Target and Data; handlers
// mutate only Status and NextCheckTime.
type Check struct {
	ID                  int64           `db:"id" json:"id"`
	ServiceID           int64           `db:"service_id" json:"service_id"`
	Name                string          `db:"name" json:"name"`
	Kind                CheckKind       `db:"kind" json:"kind"`
	Target              string          `db:"target" json:"target"`
	Interval            int64           `db:"interval_seconds" json:"interval_seconds"`
	Disabled            bool            `db:"disabled" json:"disabled"`
	Data                json.RawMessage `db:"data" json:"data,omitempty"`
	Status              CheckStatus     `db:"status" json:"status"`
	NextCheckTime       int64           `db:"next_check_time" json:"next_check_time"`
	ProcessingStartedAt int64           `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CreatedAt           int64           `db:"created_at" json:"created_at"`
}

// Result is an immutable record of one execution of a check. Payload is
// executor-defined structured data (resolved IPs, error_type, attempts, ...).
type Result struct {
	ID        int64          `json:"id"`
	CheckID   int64          `json:"check_id"`
	Status    ResultStatus   `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Service is a logical grouping of checks. Its status is derived from the
// statuses of its checks by query, never stored as ground truth.
type Service struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// OKResult builds a successful Result for a check.
func OKResult(checkID int64, payload map[string]any) *Result {
	if payload == nil {
		payload = map[string]any{}
	}

	return &Result{CheckID: checkID, Status: ResultOK, Payload: payload}
}

// ErrorResult builds a failed Result carrying the standard error_type and
// error_msg payload fields. Extra fields may be merged in by the caller.
func ErrorResult(checkID int64, errorType, errorMsg string) *Result {
	return &Result{
		CheckID: checkID,
		Status:  ResultError,
		Payload: map[string]any{
			"error_type": errorType,
			"error_msg":  errorMsg,
		},
	}
}
