package virtualization

import (
	"sync"

	infinity "github.com/Code-Hex/go-infinity-channel"
	"github.com/google/uuid"
)

// Queue runs submitted functions one at a time in submission order on a
// dedicated goroutine. Machine completions and state notifications are
// delivered on the machine's queue.
type Queue struct {
	label string
	work  *infinity.Channel[func()]
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts a queue. An empty label gets a generated one.
func NewQueue(label string) *Queue {
	if label == "" {
		label = "vzkit." + uuid.NewString()
	}
	q := &Queue{
		label: label,
		work:  infinity.NewChannel[func()](),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

var mainQueue = sync.OnceValue(func() *Queue { return NewQueue("vzkit.main") })

// MainQueue is the process-wide default queue. It is never closed.
func MainQueue() *Queue { return mainQueue() }

func (q *Queue) run() {
	defer close(q.done)
	for fn := range q.work.Out() {
		fn()
	}
}

// Label names the queue.
func (q *Queue) Label() string { return q.label }

// Async schedules fn. It never blocks on fn.
func (q *Queue) Async(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.work.In() <- fn
	return nil
}

// Sync schedules fn and waits for it to finish. Calling Sync from a function
// running on q deadlocks.
func (q *Queue) Sync(fn func()) error {
	ran := make(chan struct{})
	if err := q.Async(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// Pending is the number of functions waiting to run.
func (q *Queue) Pending() int { return q.work.Len() }

// Close stops accepting work. Functions already scheduled still run; Done is
// closed after the last one.
func (q *Queue) Close() {
	if q == MainQueue() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.work.Close()
}

// Done is closed once the queue is closed and drained.
func (q *Queue) Done() <-chan struct{} { return q.done }
