package task

// Event is the payload the manager attaches to lifecycle events on the bus.
// Run is set for finished and failed runs.
type Event struct {
	TaskID   ID         `json:"task_id"`
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	State    State      `json:"state"`
	Trigger  string     `json:"trigger,omitempty"`
	Run      *RunRecord `json:"run,omitempty"`
}
