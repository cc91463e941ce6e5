package engine

import "math"

const recentRecords = 10

// Job returns the status of one job.
func (e *Engine) Job(name string) (JobStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[name]
	if !ok {
		return JobStatus{}, false
	}
	return e.statusLocked(j), true
}

// History returns a copy of the full retained history of a job, oldest first.
func (e *Engine) History(name string) []ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[name]
	if !ok {
		return nil
	}
	return append([]ExecutionRecord(nil), j.history...)
}

// RateRemaining reports how many executions the job's current rate window
// still admits, or -1 when the job has no rate limit.
func (e *Engine) RateRemaining(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[name]
	if !ok || !j.opt.RateLimit.valid() {
		return -1
	}
	return e.windows.remaining(name, *j.opt.RateLimit, e.now())
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		TotalExecutions:      e.total,
		SuccessfulExecutions: e.succeeded,
		FailedExecutions:     e.failed,
		SkippedExecutions:    e.skipped,
		ActiveJobs:           e.active,
		QueuedJobs:           e.queue.len(),
		Paused:               e.paused,
		RegisteredJobs:       len(e.jobs),
		SuccessRate:          rate(e.succeeded, e.succeeded+e.failed),
		Jobs:                 make([]JobStatus, 0, len(e.order)),
	}
	for _, name := range e.order {
		j := e.jobs[name]
		if j.disabled {
			st.DisabledJobs++
		}
		st.Jobs = append(st.Jobs, e.statusLocked(j))
	}
	return st
}

func (e *Engine) statusLocked(j *job) JobStatus {
	var ok, counted uint64
	for _, r := range j.history {
		if r.Skipped {
			continue
		}
		counted++
		if r.Success {
			ok++
		}
	}
	recent := j.history
	if len(recent) > recentRecords {
		recent = recent[len(recent)-recentRecords:]
	}
	return JobStatus{
		Name:                j.name,
		Schedule:            j.opt.Schedule,
		Priority:            j.opt.Priority,
		Running:             j.running,
		Disabled:            j.disabled,
		ConsecutiveFailures: j.failures,
		LastExecution:       j.lastExec,
		SuccessRate:         rate(ok, counted),
		Executions:          len(j.history),
		Recent:              append([]ExecutionRecord(nil), recent...),
	}
}

// rate returns part/whole as a percentage rounded to two decimals.
func rate(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*10000) / 100
}
