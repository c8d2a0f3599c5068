package job

import "fmt"

// Status is the lifecycle state of a job or of one of its query nodes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
	StatusUnknown   Status = "unknown"
)

var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusUnknown, StatusSkipped},
	StatusRunning: {StatusDone, StatusFailed, StatusCancelled, StatusPending, StatusUnknown},
}

var finalStatuses = map[Status]bool{
	StatusDone:      true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusUnknown:   true,
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Final reports whether s is a terminal status. Skipped is not terminal: it
// marks node work made unreachable by an earlier failure, the job itself
// never ends up skipped.
func (s Status) Final() bool {
	return finalStatuses[s]
}

type ErrInvalidTransition struct {
	From Status
	To   Status
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot set status from %s to %s", err.From, err.To)
}
