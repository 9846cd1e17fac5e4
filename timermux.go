package timermux

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// DelaySource provides the delays backing each scheduled timer.
		// **Defaults to the runtime timers ([time.NewTimer]), if nil, or
		// Config is nil.**
		DelaySource DelaySource

		// Lock serializes the dispatcher's bookkeeping against the expiry
		// handler, and may be shared with the consumer's own state, in which
		// case the handler is called with that state already guarded.
		// **Defaults to a new, private mutex, if nil, or Config is nil.**
		//
		// WARNING: The lock is not assumed to be reentrant. See
		// ExpiryHandler for the resulting constraints.
		Lock sync.Locker

		// Logger receives the dispatcher's own diagnostics, e.g. the
		// warning logged when scheduling fails open. A nil value disables
		// logging entirely.
		Logger *logiface.Logger[logiface.Event]
	}

	// ExpiryHandler is called with the id of each timer that expires, at
	// most once per scheduling, and never after that scheduling was
	// cancelled or superseded.
	//
	// It is called synchronously by the dispatcher's background goroutine,
	// while the dispatcher's lock is held. It must not call any of the
	// dispatcher's locked methods (Schedule, Cancel, CancelWhere,
	// ScheduledTime), or otherwise attempt to re-acquire the same lock, and
	// should not perform unbounded work. A panic in the handler is
	// recovered and logged, and does not stop the dispatcher.
	ExpiryHandler[K comparable] func(id K)

	// Dispatcher multiplexes logical timers, keyed by K, onto one
	// background goroutine, delivering each expiry to an ExpiryHandler.
	// Instances must be initialized using the New factory.
	//
	// See the package documentation for the semantics that hold across
	// Schedule, Cancel, and expiry delivery.
	Dispatcher[K comparable] struct { // betteralign:ignore
		handler ExpiryHandler[K]                 // configurable (required)
		source  DelaySource                      // configurable
		lock    sync.Locker                      // configurable
		logger  *logiface.Logger[logiface.Event] // configurable

		// records and version are guarded by lock, as is started, which is
		// set once, by Start.
		records map[K]*timerRecord
		version uint64
		started bool

		// ctx and cancel are set by Start, before any watcher exists, and
		// are read under lock.
		ctx    context.Context
		cancel context.CancelFunc

		resolved chan timerEvent[K]
		stopped  chan struct{}
		done     chan struct{}
		stopOnce sync.Once

		// testHooks for deterministic race testing
		testHooks *dispatcherTestHooks
	}

	// timerRecord is the live scheduling state for one timer id. Exactly
	// one exists per currently-scheduled id. Its stop func is invoked at
	// most once, when the record is cancelled or superseded; a committed
	// record is removed without it, its delay having already resolved.
	timerRecord struct {
		version  uint64
		deadline time.Time
		stop     func()
	}

	// timerEvent tags a resolved delay with the scheduling it belongs to.
	// It exists only in transit between a watcher and the commit step.
	timerEvent[K comparable] struct {
		id      K
		version uint64
	}
)

// New initializes a new Dispatcher, using the provided Config and
// ExpiryHandler. The provided config may be nil. A panic will occur if
// handler is nil.
//
// The dispatcher does nothing, and Schedule fails open, until Start is
// called. The Close method and/or Shutdown method should be called when
// the Dispatcher is no longer needed.
func New[K comparable](config *Config, handler ExpiryHandler[K]) *Dispatcher[K] {
	if handler == nil {
		panic(`timermux: nil handler`)
	}

	dispatcher := Dispatcher[K]{
		handler:  handler,
		source:   systemSource{},
		lock:     new(sync.Mutex),
		records:  make(map[K]*timerRecord),
		resolved: make(chan timerEvent[K]),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	if config != nil {
		if config.DelaySource != nil {
			dispatcher.source = config.DelaySource
		}
		if config.Lock != nil {
			dispatcher.lock = config.Lock
		}
		if config.Logger != nil {
			dispatcher.logger = config.Logger
		}
	}

	return &dispatcher
}

// Schedule arranges for the expiry handler to be called with id, once,
// no earlier than deadline, unless the scheduling is first cancelled or
// superseded by another Schedule for the same id.
//
// If id was already scheduled, the previous scheduling is cancelled
// (best-effort, see the package documentation), replaced, and its deadline
// returned, with ok true. Otherwise the zero time is returned, with ok
// false.
//
// If the dispatcher is not running (Start not yet called, or the
// dispatcher is stopping or stopped), Schedule fails open: the
// registration is dropped, a warning is logged, and the zero time is
// returned with ok false.
func (x *Dispatcher[K]) Schedule(id K, deadline time.Time) (previous time.Time, ok bool) {
	x.lock.Lock()
	defer x.lock.Unlock()

	if !x.running() {
		x.logger.Warning().
			Any(`id`, id).
			Time(`deadline`, deadline).
			Log(`timermux: schedule dropped: dispatcher not running`)
		return time.Time{}, false
	}

	x.version++

	delay := x.source.Delay(deadline)
	cancel := make(chan struct{})

	go x.watch(delay, cancel, timerEvent[K]{id: id, version: x.version})

	next := &timerRecord{
		version:  x.version,
		deadline: deadline,
		stop: func() {
			close(cancel)
			delay.Stop()
		},
	}

	record, ok := x.records[id]
	x.records[id] = next
	if !ok {
		return time.Time{}, false
	}

	record.stop()

	return record.deadline, true
}

// Cancel removes the scheduling for id, if any, returning the deadline
// that was cancelled, with ok true, or the zero time with ok false if id
// was not scheduled.
//
// Cancellation is authoritative with respect to the dispatcher (the
// handler can no longer be called for the removed scheduling, from the
// moment Cancel returns), and best-effort with respect to the underlying
// delay. Cancel works regardless of lifecycle state.
func (x *Dispatcher[K]) Cancel(id K) (deadline time.Time, ok bool) {
	x.lock.Lock()
	defer x.lock.Unlock()

	record, ok := x.records[id]
	if !ok {
		return time.Time{}, false
	}

	delete(x.records, id)
	record.stop()

	return record.deadline, true
}

// CancelWhere cancels every currently-scheduled id matching predicate,
// with the same semantics as Cancel, leaving non-matching ids untouched.
// A panic will occur if predicate is nil.
func (x *Dispatcher[K]) CancelWhere(predicate func(id K) bool) {
	if predicate == nil {
		panic(`timermux: nil predicate`)
	}

	x.lock.Lock()
	defer x.lock.Unlock()

	for id, record := range x.records {
		if predicate(id) {
			delete(x.records, id)
			record.stop()
		}
	}
}

// ScheduledTime returns the deadline id is currently scheduled for, with
// ok true, or the zero time with ok false if id is not scheduled.
func (x *Dispatcher[K]) ScheduledTime(id K) (deadline time.Time, ok bool) {
	x.lock.Lock()
	defer x.lock.Unlock()

	if record, ok := x.records[id]; ok {
		return record.deadline, true
	}

	return time.Time{}, false
}

// running reports whether the multiplexer is accepting new schedulings.
// It must be called with the lock held.
func (x *Dispatcher[K]) running() bool {
	if !x.started {
		return false
	}
	select {
	case <-x.stopped:
		return false
	default:
	}
	return x.ctx.Err() == nil
}
