package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// next lists the only status each status may move to.
var next = map[schemas.JobStatus][]schemas.JobStatus{
	schemas.JobQueued:  {schemas.JobRunning},
	schemas.JobRunning: {schemas.JobSucceeded, schemas.JobFailed},
}

func allowed(from, to schemas.JobStatus) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// jobTable holds every job the pool knows about. Callers only ever see copies.
type jobTable struct {
	mu   sync.RWMutex
	jobs map[string]*schemas.DiagnosisJob
	done map[string]chan struct{} // closed when the job turns terminal
}

func newJobTable() *jobTable {
	return &jobTable{
		jobs: make(map[string]*schemas.DiagnosisJob),
		done: make(map[string]chan struct{}),
	}
}

// admit inserts job if enqueue succeeds. Both happen under the write lock so
// a worker that dequeues the id always finds its record.
func (t *jobTable) admit(job *schemas.DiagnosisJob, enqueue func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !enqueue() {
		return false
	}
	t.jobs[job.ID] = job
	t.done[job.ID] = make(chan struct{})
	return true
}

// transition moves job id to status `to`, applying mutate to the record
// first. Non-monotonic moves are rejected.
func (t *jobTable) transition(id string, to schemas.JobStatus, mutate func(*schemas.DiagnosisJob)) (schemas.DiagnosisJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return schemas.DiagnosisJob{}, fmt.Errorf("transition %s: %w", id, ErrJobNotFound)
	}
	if !allowed(job.Status, to) {
		return schemas.DiagnosisJob{}, fmt.Errorf("job %s cannot move from %s to %s", id, job.Status, to)
	}
	if mutate != nil {
		mutate(job)
	}
	job.Status = to
	job.StatusTrace = append(job.StatusTrace, to)
	if to.IsTerminal() {
		close(t.done[id])
	}
	return copyJob(job), nil
}

func (t *jobTable) get(id string) (schemas.DiagnosisJob, <-chan struct{}, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return schemas.DiagnosisJob{}, nil, false
	}
	return copyJob(job), t.done[id], true
}

// counts returns the number of queued and running jobs.
func (t *jobTable) counts() (queued, running int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, j := range t.jobs {
		switch j.Status {
		case schemas.JobQueued:
			queued++
		case schemas.JobRunning:
			running++
		}
	}
	return queued, running
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status schemas.JobStatus
	Limit  int
}

func (t *jobTable) list(f Filter) []schemas.DiagnosisJob {
	t.mu.RLock()
	out := make([]schemas.DiagnosisJob, 0, len(t.jobs))
	for _, j := range t.jobs {
		if f.Status == "" || j.Status == f.Status {
			out = append(out, copyJob(j))
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// evict drops terminal jobs completed before cutoff and returns how many.
func (t *jobTable) evict(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, j := range t.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(t.jobs, id)
			delete(t.done, id)
			n++
		}
	}
	return n
}

// copyJob detaches the mutable parts of a record. Results are never modified
// after they are attached, so sharing the pointer is safe.
func copyJob(j *schemas.DiagnosisJob) schemas.DiagnosisJob {
	c := *j
	c.StatusTrace = append([]schemas.JobStatus(nil), j.StatusTrace...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}
