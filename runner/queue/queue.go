package queue

import (
	"context"
	"sync"
)

type Job struct {
	Run    func(ctx context.Context) error
	OnFail func(error)
}

// Queue is a bounded buffer of jobs drained by a fixed number of workers.
// Enqueue never blocks; a full queue rejects the job.
type Queue struct {
	jobs    chan Job
	workers int
	wg      sync.WaitGroup

	// held by producers; only producers add to jobs
	mu sync.Mutex
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

func (q *Queue) Enqueue(job Job) bool {
	return q.EnqueueAll(job)
}

// EnqueueAll adds every job or, when there is not room for all of them,
// none.
func (q *Queue) EnqueueAll(jobs ...Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cap(q.jobs)-len(q.jobs) < len(jobs) {
		return false
	}
	for _, job := range jobs {
		q.jobs <- job
	}
	return true
}

// Len is the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start runs the workers until ctx is done. Jobs still buffered when ctx
// ends are dropped.
func (q *Queue) Start(ctx context.Context) {
	for range q.workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					if err := job.Run(ctx); err != nil {
						if job.OnFail != nil {
							job.OnFail(err)
						}
					}
				}
			}
		}()
	}
}

// Wait blocks until every worker has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}
