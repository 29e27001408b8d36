package monitor

// Command is a request to do work. Exactly one handler is registered per
// command name; dispatching an unknown command fails fast.
type Command interface {
	CommandName() string
}

// Event is a notification that something happened. Zero or more listeners
// receive it; listener failures are logged and never abort dispatch.
type Event interface {
	EventName() string
}

// ExecuteChecks asks the handler to run a batch of due checks and persist
// their outcomes. Emitted by the scheduler.
type ExecuteChecks struct {
	Checks []Check
}

// CommandName implements Command.
func (ExecuteChecks) CommandName() string { return "execute_checks" }

// CheckFailed is published when a check's derived status transitions into
// failed. Carries the newest result so notifiers can include its payload.
type CheckFailed struct {
	Check  Check
	Result Result
}

// EventName implements Event.
func (CheckFailed) EventName() string { return "check_failed" }

// ServiceStatusChanged is published when the aggregate status of a service
// changes as a consequence of a recorded result.
type ServiceStatusChanged struct {
	Service  Service
	Previous DerivedStatus
	Current  DerivedStatus
}

// EventName implements Event.
func (ServiceStatusChanged) EventName() string { return "service_status_changed" }
