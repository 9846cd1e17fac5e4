// Package timermux multiplexes many logical timers, each identified by a
// caller-chosen comparable key, onto a single background goroutine, and
// notifies a consumer of each expiry at most once, only if that timer was
// not cancelled or rescheduled in the meantime.
//
// Cancellation of an in-flight timer is best-effort: the underlying delay
// may already have resolved by the time it is stopped. The dispatcher
// tolerates this by tagging every (re)scheduling with a monotonic version,
// and re-validating that version, under the consumer-shared lock, at the
// moment an expiry is committed. Stale expiries are discarded silently.
//
// It is intended for protocol-style workloads (retransmission timers,
// per-connection timeouts, and similar), where the set of timers is keyed
// and churns via reschedule/cancel far more often than it fires. It is not
// a timer wheel, and makes no attempt to scale to millions of concurrently
// scheduled timers.
package timermux
