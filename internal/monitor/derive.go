package monitor

// StatusWindow is the number of most recent results considered when deriving
// a check's status. With fewer results than the window, all of them are used.
const StatusWindow = 5

// DerivedStatus is the five-valued user-facing summary of a check (or of a
// service, aggregated over its checks).
type DerivedStatus string

const (
	StatusPassed     DerivedStatus = "passed"
	StatusFailed     DerivedStatus = "failed"
	StatusWarning    DerivedStatus = "warning"
	StatusRecovering DerivedStatus = "recovering"
	StatusUnknown    DerivedStatus = "unknown"
)

// DeriveCheckStatus computes the derived status from a check's recent results,
// newest first. Only the first StatusWindow entries are considered.
//
// Rules:
//   - no results              -> unknown
//   - newest is error         -> failed
//   - all ok                  -> passed
//   - newest ok, older error  -> recovering
//   - anything else           -> warning
func DeriveCheckStatus(recent []Result) DerivedStatus {
	if len(recent) == 0 {
		return StatusUnknown
	}

	window := recent
	if len(window) > StatusWindow {
		window = window[:StatusWindow]
	}

	if window[0].Status == ResultError {
		return StatusFailed
	}

	anyError := false

	for _, r := range window {
		if r.Status == ResultError {
			anyError = true

			break
		}
	}

	if !anyError {
		return StatusPassed
	}

	if window[0].Status == ResultOK {
		return StatusRecovering
	}

	return StatusWarning
}

// DeriveServiceStatus aggregates the derived statuses of a service's checks:
// any failed wins, then warning/recovering degrade to warning, then all
// passed, then all unknown. A mixed passed/unknown set is a warning.
func DeriveServiceStatus(statuses []DerivedStatus) DerivedStatus {
	if len(statuses) == 0 {
		return StatusUnknown
	}

	allPassed := true
	allUnknown := true
	degraded := false

	for _, s := range statuses {
		switch s {
		case StatusFailed:
			return StatusFailed
		case StatusWarning, StatusRecovering:
			degraded = true
			allPassed = false
			allUnknown = false
		case StatusPassed:
			allUnknown = false
		case StatusUnknown:
			allPassed = false
		}
	}

	if degraded {
		return StatusWarning
	}

	if allPassed {
		return StatusPassed
	}

	if allUnknown {
		return StatusUnknown
	}

	return StatusWarning
}
