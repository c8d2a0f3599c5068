package job

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/querybatch/querybatch/internal/common/util"
)

// Job is the durable unit of SQL work submitted by a tenant. Connection
// parameters are persisted alongside the job but never serialized into the
// external view.
type Job struct {
	ID     string
	User   string
	Status Status
	Query  Query

	Host   string
	Port   string
	DBName string
	DBUser string
	Pass   string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	FailedReason string
}

// ConnectionParams are the physical database coordinates a job runs against.
type ConnectionParams struct {
	Host   string
	Port   string
	DBName string
	DBUser string
	Pass   string
}

// New builds a job from a submitted query payload, applying creation
// defaults: fresh ULID, pending status, current timestamps.
func New(user string, rawQuery string, params ConnectionParams) (*Job, error) {
	if user == "" {
		return nil, errors.New("job user cannot be empty")
	}
	query, err := ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Job{
		ID:        util.NewULID(),
		User:      user,
		Status:    StatusPending,
		Query:     query,
		Host:      params.Host,
		Port:      params.Port,
		DBName:    params.DBName,
		DBUser:    params.DBUser,
		Pass:      params.Pass,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ConnectionParams returns the physical coordinates the job runs against.
func (j *Job) ConnectionParams() ConnectionParams {
	return ConnectionParams{
		Host:   j.Host,
		Port:   j.Port,
		DBName: j.DBName,
		DBUser: j.DBUser,
		Pass:   j.Pass,
	}
}

// NextQuery returns the next SQL statement to execute, if any. Callback SQL
// has its job-id and error-message placeholders substituted at read time.
func (j *Job) NextQuery() (string, bool) {
	switch j.Query.Kind {
	case KindSimple:
		if j.Status == StatusPending {
			return j.Query.Simple, true
		}
		return "", false
	case KindMultiple:
		for _, statement := range j.Query.Multiple {
			if statement.Status == StatusPending {
				return statement.Query, true
			}
		}
		return "", false
	case KindFallback:
		return j.nextFallbackQuery()
	default:
		return "", false
	}
}

// HasNext reports whether any work remains to run.
func (j *Job) HasNext() bool {
	_, ok := j.NextQuery()
	return ok
}

// SetStatus applies a status transition to the job. For structured variants
// the transition is routed to node and fallback status tracks first, and the
// job-level status may be shifted to pending while work remains. An illegal
// transition is rejected in full.
func (j *Job) SetStatus(to Status, errorMessage string) error {
	switch j.Query.Kind {
	case KindMultiple:
		return j.setMultipleStatus(to, errorMessage)
	case KindFallback:
		return j.setFallbackStatus(to, errorMessage)
	default:
		return j.setSimpleStatus(to, errorMessage)
	}
}

func (j *Job) setSimpleStatus(to Status, errorMessage string) error {
	if !CanTransition(j.Status, to) {
		return &ErrInvalidTransition{From: j.Status, To: to}
	}
	j.applyStatus(to, errorMessage)
	return nil
}

// applyStatus writes an already validated status to the job level.
func (j *Job) applyStatus(to Status, errorMessage string) {
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	if to == StatusFailed && errorMessage != "" {
		j.FailedReason = errorMessage
	}
}

// SetQuery replaces the job's query payload. Only pending jobs may be
// updated, otherwise already scheduled work would be silently rewritten.
func (j *Job) SetQuery(rawQuery string) error {
	if j.Status != StatusPending {
		return errors.Errorf("job %s is not pending, it cannot be updated", j.ID)
	}
	query, err := ParseQuery(rawQuery)
	if err != nil {
		return err
	}
	j.Query = query
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// renderTemplate substitutes callback SQL placeholders with the job id and
// the last failure message.
func (j *Job) renderTemplate(sql string) string {
	replacer := strings.NewReplacer(
		"<%= job_id %>", j.ID,
		"<%= error_message %>", j.FailedReason,
	)
	return replacer.Replace(sql)
}
