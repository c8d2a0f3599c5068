package job

// setMultipleStatus routes a status change through the ordered sub-queries
// of a multiple-statement job. The status is applied to the first sub-query
// whose current status legally accepts it, then propagated to the parent,
// deflected to pending while any sub-query remains pending so the job never
// reports completion with work outstanding.
func (j *Job) setMultipleStatus(to Status, errorMessage string) error {
	appliedToStatement := false
	for _, statement := range j.Query.Multiple {
		if CanTransition(statement.Status, to) {
			statement.Status = to
			appliedToStatement = true
			break
		}
	}

	if to == StatusFailed && appliedToStatement && errorMessage != "" {
		j.FailedReason = errorMessage
	}

	shifted := to
	if to.Final() && j.anyStatementPending() {
		shifted = StatusPending
	}

	appliedToJob := false
	if CanTransition(j.Status, shifted) {
		j.applyStatus(shifted, errorMessage)
		appliedToJob = true
	}

	if !appliedToStatement && !appliedToJob {
		return &ErrInvalidTransition{From: j.Status, To: to}
	}
	return nil
}

func (j *Job) anyStatementPending() bool {
	for _, statement := range j.Query.Multiple {
		if statement.Status == StatusPending {
			return true
		}
	}
	return false
}
