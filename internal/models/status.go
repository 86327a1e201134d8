package models

// Status is the persisted lifecycle state of a Run. Transitions only ever
// move forward: NotStarted -> Queued -> Running -> {Completed | Failed}.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses returns every status in lifecycle order; the store seeds the
// status_codes table from this list.
func AllStatuses() []Status {
	return []Status{StatusNotStarted, StatusQueued, StatusRunning, StatusCompleted, StatusFailed}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the lifecycle. Completed and Failed share a rank
// since they are alternative terminal states.
func (s Status) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the forward
// ordering of the state machine.
func (s Status) CanTransition(next Status) bool {
	return next.rank() == s.rank()+1
}
