// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package diskmgr

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coldstorage/storagenode/internal/core"
)

// compactionJob is one pending compaction request for a partition. Older
// scheduling times sort first, the same way the teacher's disk request
// queue favors whatever has waited longest. A sentinel job carries no
// partition and is used only to wake a worker for shutdown; sentinels
// always sort first so shutdown is prompt.
type compactionJob struct {
	partition core.PartitionName
	scheduled time.Time
	sentinel  bool
}

// compactionJobHeap is a container/heap min-heap of pending compaction
// jobs, scoped to exactly the ordering compactionExecutor needs: oldest
// job first, sentinels ahead of everything.
type compactionJobHeap []compactionJob

func (h compactionJobHeap) Len() int { return len(h) }

func (h compactionJobHeap) Less(i, j int) bool {
	if h[i].sentinel != h[j].sentinel {
		return h[i].sentinel
	}
	return h[i].scheduled.Before(h[j].scheduled)
}

func (h compactionJobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *compactionJobHeap) Push(x interface{}) {
	*h = append(*h, x.(compactionJob))
}

func (h *compactionJobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// compactionQueue is a blocking, unbounded priority queue of compaction
// jobs. Pop sleeps until a job is available.
type compactionQueue struct {
	lock     sync.Mutex
	notEmpty sync.Cond
	data     compactionJobHeap
}

func newCompactionQueue() *compactionQueue {
	q := &compactionQueue{}
	q.notEmpty.L = &q.lock
	return q
}

func (q *compactionQueue) push(job compactionJob) {
	q.lock.Lock()
	defer q.lock.Unlock()
	heap.Push(&q.data, job)
	if q.data.Len() == 1 {
		// Broadcast rather than Signal: a single push growing the queue
		// from 0 to 1 must not leave other already-blocked workers
		// asleep if a later push grows it further before they wake.
		q.notEmpty.Broadcast()
	}
}

func (q *compactionQueue) pop() compactionJob {
	q.lock.Lock()
	defer q.lock.Unlock()
	for q.data.Len() == 0 {
		q.notEmpty.Wait()
	}
	return heap.Pop(&q.data).(compactionJob)
}

// compactionExecutor is a small fixed-size worker pool draining a priority
// queue of compaction jobs, grounded on the teacher's PriorityQueue +
// Manager.ioWorker pattern. The compaction policy itself (what to merge,
// when it's worth it) is out of scope; the executor only guarantees that
// scheduled jobs for enabled stores eventually run, one at a time per
// partition never being required by this contract.
type compactionExecutor struct {
	queue *compactionQueue

	lock    sync.Mutex
	enabled map[core.PartitionName]bool

	stopped int32
	wg      sync.WaitGroup
	workers int

	diskName string
	run      func(core.PartitionName)
}

// newCompactionExecutor starts 'workers' goroutines pulling jobs from an
// internal queue. 'run' is invoked for every job whose partition is still
// enabled at the time the job is popped; it is the hook a caller uses for
// testing (in production it would trigger the blob store's own compaction,
// which is out of scope here).
func newCompactionExecutor(diskName string, workers int, run func(core.PartitionName)) *compactionExecutor {
	if run == nil {
		run = func(core.PartitionName) {}
	}
	ce := &compactionExecutor{
		queue:    newCompactionQueue(),
		enabled:  make(map[core.PartitionName]bool),
		workers:  workers,
		diskName: diskName,
		run:      run,
	}
	for i := 0; i < workers; i++ {
		ce.wg.Add(1)
		go ce.worker()
	}
	return ce
}

func (ce *compactionExecutor) worker() {
	defer ce.wg.Done()
	for {
		job := ce.queue.pop()
		if job.sentinel {
			return
		}
		op := compactionMetric.Start(ce.diskName)
		if ce.isEnabled(job.partition) {
			ce.run(job.partition)
		}
		op.End()
	}
}

// isEnabled reports whether compaction is enabled for a partition. Unknown
// partitions default to enabled, matching "compaction runs unless
// explicitly disabled".
func (ce *compactionExecutor) isEnabled(p core.PartitionName) bool {
	ce.lock.Lock()
	defer ce.lock.Unlock()
	v, ok := ce.enabled[p]
	return !ok || v
}

// schedule enqueues a compaction job for p.
func (ce *compactionExecutor) schedule(p core.PartitionName) bool {
	if atomic.LoadInt32(&ce.stopped) != 0 {
		return false
	}
	ce.queue.push(compactionJob{partition: p, scheduled: time.Now()})
	return true
}

// setEnabled toggles whether p's compaction jobs actually run when popped.
func (ce *compactionExecutor) setEnabled(p core.PartitionName, enabled bool) {
	ce.lock.Lock()
	defer ce.lock.Unlock()
	ce.enabled[p] = enabled
}

// forget removes p's enable/disable state, called when a replica is
// removed so the map doesn't grow unbounded.
func (ce *compactionExecutor) forget(p core.PartitionName) {
	ce.lock.Lock()
	defer ce.lock.Unlock()
	delete(ce.enabled, p)
}

// running reports whether the executor has not been stopped.
func (ce *compactionExecutor) running() bool {
	return atomic.LoadInt32(&ce.stopped) == 0
}

// growWorkers adds more worker goroutines, for SetConfig raising
// CompactionWorkers on an already-running disk manager. Shrinking the pool
// is not supported; a worker only exits on stop().
func (ce *compactionExecutor) growWorkers(target int) {
	ce.lock.Lock()
	defer ce.lock.Unlock()
	if atomic.LoadInt32(&ce.stopped) != 0 || target <= ce.workers {
		return
	}
	for i := ce.workers; i < target; i++ {
		ce.wg.Add(1)
		go ce.worker()
	}
	ce.workers = target
}

// stop drains outstanding workers. It does not wait for already-queued
// jobs to finish beyond the normal worker exit path.
func (ce *compactionExecutor) stop() {
	if !atomic.CompareAndSwapInt32(&ce.stopped, 0, 1) {
		return
	}
	// Push one sentinel per worker so every worker goroutine observes a
	// non-job item and exits.
	for i := 0; i < ce.workers; i++ {
		ce.queue.push(compactionJob{sentinel: true})
	}
	ce.wg.Wait()
}
