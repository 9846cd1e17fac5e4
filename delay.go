package timermux

import (
	"time"
)

type (
	// DelaySource produces the cancellable delays that back each scheduled
	// timer. Implementations are how virtual or simulated time is injected
	// into a [Dispatcher], see [Config.DelaySource].
	DelaySource interface {
		// Delay returns a new, already-armed [Delay], targeting the given
		// absolute deadline. A deadline in the past must produce a delay
		// that resolves immediately.
		//
		// Delay is called synchronously by [Dispatcher.Schedule], while the
		// dispatcher's lock is held, and must not block.
		Delay(deadline time.Time) Delay
	}

	// Delay models a single pending wakeup, resolving no earlier than the
	// deadline it was created for.
	//
	// A Delay is received from by exactly one goroutine, and resolves at
	// most once.
	Delay interface {
		// C returns the channel the delay resolves on. The channel receives
		// a single value, no earlier than the delay's deadline. If the delay
		// is stopped first, the channel never receives.
		C() <-chan time.Time

		// Stop prevents the delay from resolving, if it has not already
		// done so, returning false if it already resolved or was already
		// stopped.
		//
		// Stopping is strictly best-effort: a false return, or even a true
		// return racing a concurrent resolution already in flight, must be
		// tolerated by the caller. The dispatcher's versioned commit exists
		// for exactly that reason.
		Stop() bool
	}

	systemSource struct{}

	systemDelay struct {
		timer *time.Timer
	}
)

func (systemSource) Delay(deadline time.Time) Delay {
	return systemDelay{timer: time.NewTimer(time.Until(deadline))}
}

func (x systemDelay) C() <-chan time.Time { return x.timer.C }

func (x systemDelay) Stop() bool { return x.timer.Stop() }
