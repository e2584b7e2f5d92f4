package action

// Status is the lifecycle state of an action row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further dispatch can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransition enforces pending -> running -> {succeeded, failed}. A terminal
// status may be overwritten by another terminal status so duplicate or late
// reports are accepted; nothing ever returns to pending or running.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	case StatusSucceeded, StatusFailed:
		return to.Terminal()
	}
	return false
}
