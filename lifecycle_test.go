package timermux

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_whenIdle(t *testing.T) {
	d := New[string](nil, func(string) {})
	d.Start(context.Background())

	require.NoError(t, d.Shutdown(context.Background()))

	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

// Shutdown with an already-cancelled or expiring context reports the forced
// close, but still waits out the in-flight commit rather than abandoning it.
func TestShutdown_forcedByContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var (
			expired    = make(chan int, 1)
			committing = make(chan struct{})
			proceed    = make(chan struct{})
			once       sync.Once
		)

		d := New(nil, func(id int) { expired <- id })
		d.testHooks = &dispatcherTestHooks{PreCommitLock: func() {
			once.Do(func() {
				close(committing)
				<-proceed
			})
		}}
		d.Start(context.Background())
		defer d.Close()
		release := sync.OnceFunc(func() { close(proceed) })
		defer release()

		d.Schedule(1, time.Now())

		// the expiry has resolved, and its commit is stalled
		<-committing

		sctx, scancel := context.WithCancel(context.Background())
		defer scancel()

		shutdown := make(chan error, 1)
		go func() { shutdown <- d.Shutdown(sctx) }()

		scancel()
		synctest.Wait()

		release()

		require.ErrorIs(t, <-shutdown, context.Canceled)

		synctest.Wait()

		// the commit that was already in flight still landed
		assert.Equal(t, []int{1}, receivedIDs(expired))
	})
}

func TestClose_neverStartedIsIdempotent(t *testing.T) {
	d := New[int](nil, func(int) {})

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}

	_, ok := d.Schedule(1, time.Now().Add(time.Hour))
	assert.False(t, ok, "schedule after close must fail open")
}

func TestStart_contextCancelStops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := New[int](nil, func(int) {})

		ctx, cancel := context.WithCancel(context.Background())
		d.Start(ctx)
		defer d.Close()

		cancel()
		synctest.Wait()

		select {
		case <-d.Done():
		default:
			t.Fatal("Done should be closed once the start context is cancelled")
		}

		_, ok := d.Schedule(1, time.Now().Add(time.Second))
		assert.False(t, ok, "schedule after context cancellation must fail open")
	})
}

func TestHandlerPanic_recoveredAndLogged(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var buf bytes.Buffer
		logger := stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		).Logger()

		expired := make(chan int, 1)
		d := New(&Config{Logger: logger}, func(id int) {
			if id == 1 {
				panic(`boom`)
			}
			expired <- id
		})
		d.Start(context.Background())
		defer d.Close()

		d.Schedule(1, time.Now().Add(time.Second))
		time.Sleep(time.Second)
		synctest.Wait()

		for _, want := range []string{
			`"lvl":"err"`,
			`"id":1`,
			`"recovered":"boom"`,
			`"msg":"timermux: panic in expiry handler"`,
		} {
			assert.Contains(t, buf.String(), want)
		}

		// the multiplexer survives the panic
		d.Schedule(2, time.Now().Add(time.Second))
		time.Sleep(time.Second)
		synctest.Wait()

		assert.Equal(t, []int{2}, receivedIDs(expired))
	})
}

type checkedLock struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (x *checkedLock) Lock() {
	x.mu.Lock()
	x.held.Store(true)
}

func (x *checkedLock) Unlock() {
	x.held.Store(false)
	x.mu.Unlock()
}

// The handler observes the configured lock as held, so consumer state
// guarded by the same lock is safe to touch from within it.
func TestDelivery_holdsConfiguredLock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var lock checkedLock
		observed := make(chan bool, 1)

		d := New(&Config{Lock: &lock}, func(id int) { observed <- lock.held.Load() })
		d.Start(context.Background())
		defer d.Close()

		d.Schedule(1, time.Now().Add(time.Second))
		time.Sleep(time.Second)
		synctest.Wait()

		select {
		case held := <-observed:
			assert.True(t, held, "expiry handler must run under the configured lock")
		default:
			t.Fatal("expected a delivery")
		}
	})
}
