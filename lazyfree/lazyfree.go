// Package lazyfree runs teardown work on a background worker so that large
// releases never stall the main command loop. Producers build a
// self-contained Job owning every allocation it will release, enqueue it,
// and must not touch the handed-off structures again.
package lazyfree

import (
	"sync"
	"sync/atomic"
)

// Job is one unit of deferred teardown. Effort is a number proportional to
// the work (for stats); Free performs the release.
type Job struct {
	Effort int64
	Free   func()
}

// Worker drains jobs in submission order on a single goroutine.
type Worker struct {
	jobs    chan Job
	pending atomic.Int64
	freed   atomic.Int64

	// FlushThreshold is the effort above which callers should prefer the
	// async path when no explicit SYNC/ASYNC was requested.
	FlushThreshold int64

	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker starts the worker goroutine.
func NewWorker() *Worker {
	w := &Worker{
		jobs:           make(chan Job, 128),
		FlushThreshold: 64,
		done:           make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for job := range w.jobs {
		if job.Free != nil {
			job.Free()
		}
		w.pending.Add(-job.Effort)
		w.freed.Add(job.Effort)
	}
	close(w.done)
}

// Enqueue hands a job to the worker. After the call the producer must
// forget every pointer the job owns.
func (w *Worker) Enqueue(job Job) {
	w.pending.Add(job.Effort)
	w.jobs <- job
}

// Pending returns the effort not yet released.
func (w *Worker) Pending() int64 { return w.pending.Load() }

// Freed returns the cumulative released effort.
func (w *Worker) Freed() int64 { return w.freed.Load() }

// ResetStats clears the freed counter.
func (w *Worker) ResetStats() { w.freed.Store(0) }

// Close stops accepting jobs and waits for the queue to drain.
func (w *Worker) Close() {
	w.stopOnce.Do(func() { close(w.jobs) })
	<-w.done
}
