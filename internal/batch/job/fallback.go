package job

import "time"

// nextFallbackQuery walks the query nodes in order, offering each node's
// primary query first and then its callback, before finally offering the
// job-level callback once no node work remains.
func (j *Job) nextFallbackQuery() (string, bool) {
	if sql, ok := j.nextNodeQuery(); ok {
		return sql, true
	}
	return j.nextJobFallbackQuery()
}

func (j *Job) nextNodeQuery() (string, bool) {
	for _, node := range j.Query.Fallback.Queries {
		if node.Status == StatusPending {
			return node.Query, true
		}
		if sql, ok := j.nodeCallback(node); ok {
			return sql, true
		}
	}
	return "", false
}

// nodeCallback returns the node's eligible callback SQL: onsuccess once the
// primary is done, onerror once it failed, gated on the node's own fallback
// status still being pending.
func (j *Job) nodeCallback(node *FallbackNode) (string, bool) {
	if node.FallbackStatus != StatusPending {
		return "", false
	}
	if node.Status == StatusDone && node.OnSuccess != "" {
		return j.renderTemplate(node.OnSuccess), true
	}
	if node.Status == StatusFailed && node.OnError != "" {
		return j.renderTemplate(node.OnError), true
	}
	return "", false
}

func (j *Job) nextJobFallbackQuery() (string, bool) {
	fallback := j.Query.Fallback
	if fallback.FallbackStatus != StatusPending {
		return "", false
	}
	if j.Status == StatusDone && fallback.OnSuccess != "" {
		return j.renderTemplate(fallback.OnSuccess), true
	}
	if j.Status == StatusFailed && fallback.OnError != "" {
		return j.renderTemplate(fallback.OnError), true
	}
	return "", false
}

func (j *Job) hasNextNodeWork() bool {
	_, ok := j.nextNodeQuery()
	return ok
}

// setFallbackStatus routes a status change through the layered status tracks
// of a fallback job. Nodes are visited in order; the first node that accepts
// the transition on its primary query, or on its callback track when the
// primary has finished, consumes it. If no node accepts, the job-level
// callback track is tried. The job-level status is then shifted so the job
// never reports terminal completion while node or callback work remains.
func (j *Job) setFallbackStatus(to Status, errorMessage string) error {
	fallback := j.Query.Fallback
	now := time.Now().UTC().Format(time.RFC3339)

	appliedToNode := false
	appliedToCallback := false
	for _, node := range fallback.Queries {
		if CanTransition(node.Status, to) {
			node.Status = to
			if to == StatusRunning && node.StartedAt == "" {
				node.StartedAt = now
			}
			if to.Final() {
				node.EndedAt = now
			}
			appliedToNode = true
			if to == StatusFailed || to == StatusCancelled {
				j.skipRemainingNodes()
			}
			break
		}
		if j.nodeCallbackAccepts(node, to) {
			node.FallbackStatus = to
			appliedToCallback = true
			break
		}
	}

	if !appliedToNode && !appliedToCallback && j.jobCallbackAccepts(to) {
		fallback.FallbackStatus = to
		appliedToCallback = true
	}

	if to == StatusFailed && (appliedToNode || appliedToCallback) && errorMessage != "" {
		j.FailedReason = errorMessage
	}

	shifted := j.shiftStatus(to, appliedToCallback)
	appliedToJob := false
	if CanTransition(j.Status, shifted) {
		j.applyStatus(shifted, errorMessage)
		appliedToJob = true
	}

	if !appliedToNode && !appliedToCallback && !appliedToJob {
		return &ErrInvalidTransition{From: j.Status, To: to}
	}

	// A job that ends without its own callback ever becoming eligible leaves
	// the callback marked skipped rather than pending forever.
	if j.Status.Final() && fallback.HasFallback() && fallback.FallbackStatus == StatusPending {
		if _, eligible := j.nextJobFallbackQuery(); !eligible {
			fallback.FallbackStatus = StatusSkipped
		}
	}
	return nil
}

// nodeCallbackAccepts reports whether the transition belongs to the node's
// callback track: the primary has resolved, the matching callback exists and
// the callback status legally accepts the new value.
func (j *Job) nodeCallbackAccepts(node *FallbackNode, to Status) bool {
	if !CanTransition(node.FallbackStatus, to) {
		return false
	}
	if node.Status == StatusDone && node.OnSuccess != "" {
		return true
	}
	if node.Status == StatusFailed && node.OnError != "" {
		return true
	}
	return false
}

func (j *Job) jobCallbackAccepts(to Status) bool {
	fallback := j.Query.Fallback
	if !CanTransition(fallback.FallbackStatus, to) {
		return false
	}
	if j.Status == StatusDone && fallback.OnSuccess != "" {
		return true
	}
	if j.Status == StatusFailed && fallback.OnError != "" {
		return true
	}
	return false
}

// skipRemainingNodes short-circuits work made unreachable by a failure or
// cancellation: every still pending node, and every pending callback of a
// node that will now never resolve, is forced to skipped.
func (j *Job) skipRemainingNodes() {
	for _, node := range j.Query.Fallback.Queries {
		if node.Status == StatusPending {
			node.Status = StatusSkipped
			if node.FallbackStatus == StatusPending {
				node.FallbackStatus = StatusSkipped
			}
		}
	}
}

// shiftStatus decides what the job-level status becomes. Terminal statuses
// are suppressed to pending while node work remains; when a callback
// completes the last outstanding work, the job takes the real outcome of its
// primary queries rather than the callback's own status.
func (j *Job) shiftStatus(to Status, appliedToCallback bool) Status {
	if appliedToCallback {
		if to != StatusDone && to != StatusFailed {
			return to
		}
		if j.hasNextNodeWork() {
			return StatusPending
		}
		return j.lastFinishedNodeStatus(to)
	}
	if to.Final() && j.hasNextNodeWork() {
		return StatusPending
	}
	return to
}

func (j *Job) lastFinishedNodeStatus(fallbackValue Status) Status {
	status := fallbackValue
	for _, node := range j.Query.Fallback.Queries {
		if node.Status == StatusDone || node.Status == StatusFailed {
			status = node.Status
		}
	}
	return status
}
