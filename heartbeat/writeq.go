package heartbeat

import (
	"os"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultQueueCapacity bounds deferred durable writes. Full means drop:
// the cache already holds the live truth, so losing a historical write
// under load beats blocking the ingest path.
const DefaultQueueCapacity = 500

// WriteQueue is a bounded FIFO of deferred write tasks with at most one
// drain goroutine alive at a time. Enqueue never blocks. Tasks are not
// retried; a failed write is logged and gone.
type WriteQueue struct {
	mu       sync.Mutex
	tasks    []func() error
	draining bool
	capacity int

	dropCounter prometheus.Counter
	depthGauge  prometheus.GaugeFunc
}

func NewWriteQueue(capacity int, addPrometheusMetrics bool) *WriteQueue {
	q := &WriteQueue{
		capacity: capacity,
	}
	if addPrometheusMetrics {
		q.dropCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence_sync",
			Subsystem: "writeq",
			Name:      "dropped_tasks",
			Help:      "Number of write tasks dropped because the queue was full",
		})
		prometheus.MustRegister(q.dropCounter)
		q.depthGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "presence_sync",
			Subsystem: "writeq",
			Name:      "depth",
			Help:      "Number of write tasks waiting in the queue",
		}, func() float64 {
			return float64(q.Len())
		})
		prometheus.MustRegister(q.depthGauge)
	}
	return q
}

// Enqueue adds a task, waking a drain worker if none is running. Returns
// false when the queue is full and the task was dropped.
func (q *WriteQueue) Enqueue(task func() error) bool {
	q.mu.Lock()
	if len(q.tasks) >= q.capacity {
		q.mu.Unlock()
		logger.Warn().Int("capacity", q.capacity).Msg("write queue full, dropping task")
		if q.dropCounter != nil {
			q.dropCounter.Inc()
		}
		return false
	}
	q.tasks = append(q.tasks, task)
	startDrain := !q.draining
	if startDrain {
		q.draining = true
	}
	q.mu.Unlock()

	if startDrain {
		go q.drain()
	}
	return true
}

func (q *WriteQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		q.run(task)
	}
}

// run executes one task, containing its panics and errors so the drain loop
// survives any individual write.
func (q *WriteQueue) run(task func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("write task panicked")
			sentry.CurrentHub().Recover(r)
		}
	}()
	if err := task(); err != nil {
		logger.Err(err).Msg("write task failed")
		sentry.CaptureException(err)
	}
}

func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *WriteQueue) Teardown() {
	if q.dropCounter != nil {
		prometheus.Unregister(q.dropCounter)
	}
	if q.depthGauge != nil {
		prometheus.Unregister(q.depthGauge)
	}
}
