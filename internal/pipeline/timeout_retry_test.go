package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutFailsStalledSubscribe(t *testing.T) {
	to := newOpTimeoutStage()
	to.interval = 5 * time.Millisecond
	h := newHarness(t, to)

	var r *result
	h.do(func() {
		sub := NewSubscribeOp("t")
		r = track(sub)
		to.HandleOp(sub)
		require.Len(t, h.bottom.ops, 1)
	})

	h.eventually(func() bool { return r.done }, "stalled subscribe not timed out")
	h.do(func() {
		assert.ErrorIs(t, r.err, ErrOperationTimeout)
	})
}

func TestTimeoutClearedOnCompletion(t *testing.T) {
	to := newOpTimeoutStage()
	to.interval = 10 * time.Millisecond
	h := newHarness(t, to)

	h.do(func() {
		sub := NewSubscribeOp("t")
		to.HandleOp(sub)
		Complete(sub, nil)
		assert.Empty(t, to.timers)
	})

	// The stopped timer must not fire a late completion (which would log
	// a double-complete).
	time.Sleep(30 * time.Millisecond)
}

func TestTimeoutIgnoresPublish(t *testing.T) {
	to := newOpTimeoutStage()
	h := newHarness(t, to)

	h.do(func() {
		pub := NewPublishOp("t", nil)
		to.HandleOp(pub)
		assert.Empty(t, to.timers, "publish ops carry no timeout")
	})
}

func TestRetryResubmitsAfterTimeout(t *testing.T) {
	rt := newRetryStage()
	rt.interval = 5 * time.Millisecond
	h := newHarness(t, rt)

	var r *result
	h.do(func() {
		sub := NewSubscribeOp("t")
		r = track(sub)
		rt.HandleOp(sub)
		require.Len(t, h.bottom.ops, 1)

		Complete(sub, ErrOperationTimeout)
		assert.False(t, r.done, "timed-out op must stay alive for retry")
	})

	h.eventually(func() bool { return len(h.bottom.ops) == 2 }, "op not re-run after timeout")
	h.do(func() {
		assert.Same(t, h.bottom.ops[0], h.bottom.ops[1])
		Complete(h.bottom.ops[1], nil)
		assert.True(t, r.done)
		assert.NoError(t, r.err)
	})
}

func TestRetryPassesThroughOtherErrors(t *testing.T) {
	rt := newRetryStage()
	h := newHarness(t, rt)

	h.do(func() {
		sub := NewSubscribeOp("t")
		r := track(sub)
		rt.HandleOp(sub)
		Complete(sub, ErrConnectionDropped)
		assert.True(t, r.done, "non-timeout errors are not retried")
		assert.ErrorIs(t, r.err, ErrConnectionDropped)
	})
}

func TestRetryShutdownCancelsWaiting(t *testing.T) {
	rt := newRetryStage()
	rt.interval = time.Hour
	h := newHarness(t, rt)

	h.do(func() {
		sub := NewSubscribeOp("t")
		r := track(sub)
		rt.HandleOp(sub)
		Complete(sub, ErrOperationTimeout)
		assert.False(t, r.done)

		rt.HandleOp(&ShutdownOp{})
		assert.True(t, r.done)
		assert.ErrorIs(t, r.err, ErrOperationCancelled)
		assert.Empty(t, rt.waiting)
	})
}

func TestRetryDisarmedWhenOpCompletesElsewhere(t *testing.T) {
	rt := newRetryStage()
	rt.interval = 20 * time.Millisecond
	h := newHarness(t, rt)

	var r *result
	h.do(func() {
		sub := NewSubscribeOp("t")
		r = track(sub)
		rt.HandleOp(sub)
		require.Len(t, h.bottom.ops, 1)

		Complete(sub, ErrOperationTimeout)
		require.False(t, r.done)
		require.Len(t, rt.waiting, 1)

		// The blocked transport call returns after the timeout fired.
		Complete(sub, nil)
		assert.True(t, r.done)
		assert.NoError(t, r.err)
		assert.Empty(t, rt.waiting, "pending retry must be disarmed")
	})

	// The disarmed timer must not re-run the completed op.
	time.Sleep(60 * time.Millisecond)
	h.do(func() {
		assert.Len(t, h.bottom.ops, 1)
	})
}
