// Package deferqueue runs actions after a delay. It is used to delay the
// handling of an uplink until all gateways had the chance to report it.
//
// A single timer go-routine waits for the nearest deadline and hands the
// expired actions to a bounded channel which is consumed by a fixed number of
// workers. When the channel is full, the timer go-routine blocks until a
// worker is available.
package deferqueue

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds the queue configuration.
type Config struct {
	QueueDepth int `mapstructure:"queue_depth"`
	Workers    int `mapstructure:"workers"`
}

// DefaultConfig holds the default queue configuration.
var DefaultConfig = Config{
	QueueDepth: 100,
	Workers:    5,
}

// Handle is returned by OnTimeout and can be used to cancel the timeout.
type Handle struct {
	deadline time.Time
	action   func()

	// set by the timer go-routine under the queue lock
	fired bool
}

// Deadline returns the time at which the action will run.
func (h *Handle) Deadline() time.Time {
	return h.deadline
}

// Queue implements the deferred action queue.
type Queue struct {
	config Config

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*Handle
	wakeup  *time.Timer
	started bool
	stopped bool

	expired  chan *Handle
	timerWG  sync.WaitGroup
	workerWG sync.WaitGroup
}

// New creates a new Queue. Zero config values are replaced by the defaults.
func New(c Config) *Queue {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultConfig.QueueDepth
	}
	if c.Workers <= 0 {
		c.Workers = DefaultConfig.Workers
	}

	q := Queue{
		config:  c,
		expired: make(chan *Handle, c.QueueDepth),
	}
	q.cond = sync.NewCond(&q.mu)

	return &q
}

// Start starts the timer and worker go-routines.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return
	}
	q.started = true

	log.WithFields(log.Fields{
		"workers":     q.config.Workers,
		"queue_depth": q.config.QueueDepth,
	}).Info("deferqueue: starting")

	for i := 0; i < q.config.Workers; i++ {
		q.workerWG.Add(1)
		go q.worker()
	}

	q.timerWG.Add(1)
	go q.timerLoop()
}

// Stop stops the timer go-routine and waits until the workers have completed
// the actions that already expired. Pending timeouts are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.wakeup != nil {
		q.wakeup.Stop()
	}
	pending := len(q.entries)
	q.entries = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.timerWG.Wait()
	close(q.expired)
	q.workerWG.Wait()

	pendingGauge().Set(0)
	log.WithField("discarded", pending).Info("deferqueue: stopped")
}

// OnTimeout schedules f to run after d. A negative or zero d schedules f for
// immediate execution.
func (q *Queue) OnTimeout(d time.Duration, f func()) *Handle {
	h := &Handle{
		deadline: time.Now().Add(d),
		action:   f,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		log.Warning("deferqueue: queue stopped, timeout discarded")
		return h
	}

	// most timeouts are scheduled with the same delay, thus the new entry
	// usually belongs at the end
	i := len(q.entries)
	for i > 0 && q.entries[i-1].deadline.After(h.deadline) {
		i--
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = h

	timeoutCounter("scheduled").Inc()
	pendingGauge().Set(float64(len(q.entries)))
	q.cond.Broadcast()

	return h
}

// Cancel cancels the given timeout. It returns false when the action has
// already been handed to a worker (or was never scheduled).
func (q *Queue) Cancel(h *Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h == nil || h.fired {
		return false
	}

	for i := range q.entries {
		if q.entries[i] == h {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			timeoutCounter("cancelled").Inc()
			pendingGauge().Set(float64(len(q.entries)))
			return true
		}
	}

	return false
}

// Len returns the number of pending timeouts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) timerLoop() {
	defer q.timerWG.Done()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for !q.stopped && !q.headExpired() {
			q.armWakeup()
			q.cond.Wait()
		}
		if q.stopped {
			return
		}

		h := q.entries[0]
		q.entries = q.entries[1:]
		h.fired = true
		pendingGauge().Set(float64(len(q.entries)))

		// blocks when all workers are busy and the channel is full
		q.mu.Unlock()
		q.expired <- h
		q.mu.Lock()
	}
}

// headExpired must be called with the lock held.
func (q *Queue) headExpired() bool {
	return len(q.entries) != 0 && !q.entries[0].deadline.After(time.Now())
}

// armWakeup (re)sets the timer that broadcasts at the nearest deadline. It
// must be called with the lock held.
func (q *Queue) armWakeup() {
	if len(q.entries) == 0 {
		return
	}

	d := time.Until(q.entries[0].deadline)
	if q.wakeup == nil {
		q.wakeup = time.AfterFunc(d, q.broadcast)
		return
	}
	q.wakeup.Stop()
	q.wakeup.Reset(d)
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) worker() {
	defer q.workerWG.Done()

	for h := range q.expired {
		q.run(h)
	}
}

func (q *Queue) run(h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			timeoutCounter("panic").Inc()
			log.WithFields(log.Fields{
				"deadline": h.deadline,
				"panic":    r,
			}).Error("deferqueue: action panicked")
		}
	}()

	timeoutCounter("fired").Inc()
	h.action()
}
