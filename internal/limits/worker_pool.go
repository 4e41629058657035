package limits

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// Task represents a work item for the worker pool.
type Task func()

// WorkerPool manages a fixed pool of worker goroutines for concurrent task execution.
//
// Each worker owns a buffered queue. SubmitKeyed always routes the same key
// to the same worker, so tasks for one key run in submission order. If the
// chosen queue is full the task is dropped and counted; delivery is best-effort.
type WorkerPool struct {
	queues       []chan Task
	next         uint64
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger

	mu      sync.RWMutex // Guards queue close against concurrent Submit
	stopped bool
}

// NewWorkerPool creates a worker pool. A non-positive workerCount selects 2 × GOMAXPROCS.
// queueSize is the total capacity, split across workers.
func NewWorkerPool(workerCount int, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.GOMAXPROCS(0) * 2
	}
	perWorker := queueSize / workerCount
	if perWorker < 1 {
		perWorker = 1
	}

	wp := &WorkerPool{
		queues: make([]chan Task, workerCount),
		logger: logger.With().Str("component", "worker_pool").Logger(),
	}
	for i := range wp.queues {
		wp.queues[i] = make(chan Task, perWorker)
	}
	return wp
}

// Start launches the workers. They exit after Stop drains the queues or when ctx is done.
func (wp *WorkerPool) Start(ctx context.Context) {
	for _, q := range wp.queues {
		wp.wg.Add(1)
		go wp.worker(ctx, q)
	}
	monitoring.UpdateWorkerQueueMetrics(0, wp.GetQueueCapacity())
}

func (wp *WorkerPool) worker(ctx context.Context, queue chan Task) {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-queue:
			if !ok {
				return
			}
			if task != nil {
				wp.run(task)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	defer monitoring.RecoverPanic(wp.logger, "worker", nil)
	task()
}

// Submit enqueues a task on the next worker in rotation. Returns false when the task was dropped.
func (wp *WorkerPool) Submit(task Task) bool {
	i := atomic.AddUint64(&wp.next, 1) % uint64(len(wp.queues))
	return wp.enqueue(int(i), task)
}

// SubmitKeyed enqueues a task on the worker owning key.
func (wp *WorkerPool) SubmitKeyed(key string, task Task) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	return wp.enqueue(int(h.Sum32()%uint32(len(wp.queues))), task)
}

func (wp *WorkerPool) enqueue(i int, task Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.queues[i] <- task:
		return true
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		monitoring.IncrementWorkerDropped()
		return false
	}
}

// Stop closes the queues and waits for workers to finish queued tasks.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.stopped {
		wp.stopped = true
		for _, q := range wp.queues {
			close(q)
		}
	}
	wp.mu.Unlock()
	wp.wg.Wait()
}

// GetDroppedTasks returns the total number of tasks dropped due to queue full.
func (wp *WorkerPool) GetDroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// GetQueueDepth returns the number of tasks waiting across all queues
func (wp *WorkerPool) GetQueueDepth() int {
	depth := 0
	for _, q := range wp.queues {
		depth += len(q)
	}
	return depth
}

// GetQueueCapacity returns the total queue capacity
func (wp *WorkerPool) GetQueueCapacity() int {
	return len(wp.queues) * cap(wp.queues[0])
}
