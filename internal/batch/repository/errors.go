package repository

import "fmt"

// ErrJobNotFound is returned when no record exists for a job id, or when the
// stored record is missing mandatory fields and is treated as corrupt.
type ErrJobNotFound struct {
	JobID string
}

func (err *ErrJobNotFound) Error() string {
	return fmt.Sprintf("could not find job %q", err.JobID)
}

// ErrQueueFull is the backpressure error returned when a user already has
// the maximum number of queued jobs.
type ErrQueueFull struct {
	User string
	Max  int64
}

func (err *ErrQueueFull) Error() string {
	return fmt.Sprintf("user %q already has %d queued jobs", err.User, err.Max)
}

// ErrCancelNotAllowed is returned when cancelling a job that already reached
// a terminal status.
type ErrCancelNotAllowed struct {
	JobID  string
	Status string
}

func (err *ErrCancelNotAllowed) Error() string {
	return fmt.Sprintf("job %q cannot be cancelled in status %s", err.JobID, err.Status)
}
