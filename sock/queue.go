package sock

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/fzft/go-sock/log"
)

// Queue is the execution context on which write completions and readiness
// callbacks are delivered. It may be backed by a single goroutine or a pool;
// the connection only requires that Dispatch does not block the caller.
type Queue interface {
	Dispatch(task func())
}

const (
	// DefaultQueueSize caps the worker pool of the process-wide queue.
	DefaultQueueSize = 1 << 16

	// queueExpiry is the interval to clean up expired workers.
	queueExpiry = 10 * time.Second
)

type antsLogger struct{}

func (antsLogger) Printf(format string, a ...interface{}) {
	log.Logger.Sugar().Errorf(format, a...)
}

// WorkerQueue is a Queue backed by a bounded goroutine pool. Submissions the
// pool rejects fall back to a plain goroutine, so Dispatch never fails.
type WorkerQueue struct {
	pool *ants.Pool
}

func NewWorkerQueue(size int) (*WorkerQueue, error) {
	if size <= 0 {
		size = DefaultQueueSize
	}
	options := ants.Options{
		ExpiryDuration: queueExpiry,
		Nonblocking:    true,
		PanicHandler: func(v interface{}) {
			log.Logger.Error("panic on queue worker",
				zap.Any("err", v),
				zap.String("stack", string(debug.Stack())))
		},
		Logger: antsLogger{},
	}
	pool, err := ants.NewPool(size, ants.WithOptions(options))
	if err != nil {
		return nil, err
	}
	return &WorkerQueue{pool: pool}, nil
}

func (q *WorkerQueue) Dispatch(task func()) {
	if err := q.pool.Submit(task); err != nil {
		log.Logger.Warn("queue submit failed, running inline goroutine", zap.Error(err))
		go task()
	}
}

// Release stops the pool. Tasks already submitted still run.
func (q *WorkerQueue) Release() {
	q.pool.Release()
}

type goQueue struct{}

func (goQueue) Dispatch(task func()) { go task() }

var (
	defaultQueueOnce sync.Once
	defaultQueue     Queue
)

// DefaultQueue returns the process-wide queue, creating it on first use.
// Connections that were not given a queue fall back to it.
func DefaultQueue() Queue {
	defaultQueueOnce.Do(func() {
		q, err := NewWorkerQueue(DefaultQueueSize)
		if err != nil {
			log.Logger.Error("default queue init failed", zap.Error(err))
			defaultQueue = goQueue{}
			return
		}
		defaultQueue = q
	})
	return defaultQueue
}
