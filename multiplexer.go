package timermux

import (
	"context"
)

type dispatcherTestHooks struct {
	PreCommitLock  func() // Called before the commit acquires the lock
	PostCommitLock func() // Called after the commit acquires the lock, before version validation
}

// Start spawns the dispatcher's background goroutine, binding its lifetime
// to ctx: cancelling ctx force-stops the dispatcher, as if by Close. A nil
// ctx is treated as [context.Background].
//
// Start may be called at most once. A second call panics, as does a call
// after Close or Shutdown; both indicate a programming error that would
// violate the single-multiplexer invariant the dispatcher depends on.
//
// Scheduling before Start is legal, and fails open, see
// [Dispatcher.Schedule].
func (x *Dispatcher[K]) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	x.lock.Lock()
	defer x.lock.Unlock()

	if x.started {
		panic(`timermux: already started`)
	}

	select {
	case <-x.stopped:
		panic(`timermux: already closed`)
	default:
	}

	x.started = true
	x.ctx, x.cancel = context.WithCancel(ctx)

	go x.run()
}

// Shutdown stops the dispatcher gracefully: no further schedulings are
// accepted, already-resolved expiries are committed, then the background
// goroutine exits. An error will be returned if ctx is canceled prior to
// this, causing a forced Close.
//
// This method is unsafe to call from within an ExpiryHandler.
func (x *Dispatcher[K]) Shutdown(ctx context.Context) (err error) {
	if !x.stop() {
		<-x.done
		return nil
	}

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err() // indicating we forcibly closed
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}

// Close stops the dispatcher immediately, blocking until the background
// goroutine has exited. It is idempotent, safe on a dispatcher that was
// never started, and always returns nil.
//
// This method is unsafe to call from within an ExpiryHandler.
func (x *Dispatcher[K]) Close() error {
	if x.stop() {
		x.cancel()
	}
	<-x.done
	return nil
}

// Done returns a channel that is closed once the dispatcher has stopped,
// and its background goroutine, if any, has exited.
func (x *Dispatcher[K]) Done() <-chan struct{} {
	return x.done
}

// stop signals the dispatcher to stop, reporting whether it was started.
// If it was never started there is no background goroutine to close done,
// so stop closes it directly, exactly once, guarded by the same lock Start
// uses to set started.
func (x *Dispatcher[K]) stop() (started bool) {
	x.lock.Lock()
	defer x.lock.Unlock()

	started = x.started
	x.stopOnce.Do(func() {
		close(x.stopped)
		if !started {
			close(x.done)
		}
	})

	return started
}

// run is the multiplexer: the single goroutine that owns draining resolved
// delays and committing them against the registry.
func (x *Dispatcher[K]) run() {
	defer close(x.done)
	defer x.cancel()

	for {
		select {
		case event := <-x.resolved:
			x.commit(event)
		case <-x.stopped:
			x.drain()
			return
		case <-x.ctx.Done():
			return
		}
	}
}

// drain commits already-resolved events without blocking, so a graceful
// Shutdown accounts for expiries that raced the stop signal.
func (x *Dispatcher[K]) drain() {
	for {
		select {
		case event := <-x.resolved:
			x.commit(event)
		default:
			return
		}
	}
}

// watch forwards the delay's resolution to the multiplexer, tagged as
// event, unless cancelled first or the dispatcher stops. Exactly one watch
// goroutine exists per scheduling; together they form the set of in-flight
// delays.
//
// A resolution that races cancellation may still be forwarded. That is
// fine: the commit step re-validates the event's version under the lock,
// and a cancelled or superseded version can never match again.
func (x *Dispatcher[K]) watch(delay Delay, cancel <-chan struct{}, event timerEvent[K]) {
	defer delay.Stop()

	select {
	case <-delay.C():
	case <-cancel:
		return
	case <-x.stopped:
		return
	case <-x.ctx.Done():
		return
	}

	select {
	case x.resolved <- event:
	case <-x.stopped:
	case <-x.ctx.Done():
	}
}

// commit decides, under the shared lock, whether a resolved delay still
// represents the current scheduling for its id: on a version match the
// record is removed and the expiry delivered, otherwise the event is stale
// and discarded. This is the only path that ever invokes the handler.
func (x *Dispatcher[K]) commit(event timerEvent[K]) {
	if hooks := x.testHooks; hooks != nil && hooks.PreCommitLock != nil {
		hooks.PreCommitLock()
	}

	x.lock.Lock()
	defer x.lock.Unlock()

	if hooks := x.testHooks; hooks != nil && hooks.PostCommitLock != nil {
		hooks.PostCommitLock()
	}

	record, ok := x.records[event.id]
	if !ok || record.version != event.version {
		return
	}

	delete(x.records, event.id)

	x.deliver(event.id)
}

// deliver invokes the expiry handler, recovering panics so one misbehaving
// callback cannot take down the multiplexer.
func (x *Dispatcher[K]) deliver(id K) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Any(`id`, id).
				Any(`recovered`, r).
				Log(`timermux: panic in expiry handler`)
		}
	}()

	x.handler(id)
}
