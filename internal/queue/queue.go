// Package queue connects the fast producer path (watcher + page
// extraction) to the single slow consumer (inference worker). The queue
// is unbounded and strictly FIFO: file intake must never be blocked by a
// model call that can run for minutes.
package queue

import (
	"context"
	"sync"
	"time"
)

// IngestJob is the unit of work handed from the producer to the worker.
// The UID is the md5 content hash of the original file and stays stable
// across retries and crash recovery.
type IngestJob struct {
	UID              string
	OriginalFilename string
	StagedPath       string
	WorkDir          string
	Pages            []string // base64-encoded normalized page images, in order
	DuplicateHint    *DuplicateHint
	// RetroTargetID is set only when the job updates an already-archived
	// document instead of creating a new one.
	RetroTargetID int
	SubmittedAt   time.Time
}

// DuplicateHint is a pre-computed similarity result from the cheap
// pre-inference check; the post-consume pipeline trusts it.
type DuplicateHint struct {
	OriginalID int     `json:"original_id"`
	Similarity float64 `json:"similarity"`
}

// Queue is an unbounded FIFO with task-done bookkeeping. Enqueue never
// blocks; Dequeue blocks the (single) consumer until a job or context
// cancellation arrives.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []IngestJob
	pending int // dequeued but not yet TaskDone'd
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job. Never blocks.
func (q *Queue) Enqueue(job IngestJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue removes and returns the oldest job, blocking until one is
// available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (IngestJob, bool) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.jobs) == 0 {
		if ctx.Err() != nil {
			return IngestJob{}, false
		}
		q.cond.Wait()
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.pending++
	return job, true
}

// TaskDone marks a dequeued job finished (success or terminal failure).
// It must be called exactly once per Dequeue; the worker calls it on
// every exit path so Empty stays truthful.
func (q *Queue) TaskDone() {
	q.mu.Lock()
	if q.pending > 0 {
		q.pending--
	}
	q.mu.Unlock()
}

// Depth returns the number of jobs waiting (not counting the one in
// flight). Exposed for logging and the idle-timeout decision.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Empty reports whether no job is queued or in flight.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) == 0 && q.pending == 0
}
