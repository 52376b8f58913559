package controller

// State is the controller lifecycle state.
//
// Transitions are linear:
//
//	Created → Started → Running → Draining → FinishingTasks → ShuttingDown → Stopped
//
// Started means the record channel is listening and its address has been
// published on the status queue (the ready signal). Draining and later
// states are only entered after a shutdown signal.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateDraining
	StateFinishingTasks
	StateShuttingDown
	StateStopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFinishingTasks:
		return "finishing_tasks"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
