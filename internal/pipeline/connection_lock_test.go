package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockConnectWhileConnectedCompletesImmediately(t *testing.T) {
	lock := newConnectionLockStage()
	h := newHarness(t, lock)

	h.do(func() {
		h.bottom.sendUp(ConnectedEvent{})
		op := &ConnectOp{}
		r := track(op)
		lock.HandleOp(op)
		assert.True(t, r.done)
		assert.NoError(t, r.err)
		assert.Empty(t, h.bottom.ops, "no-op connect must not reach transport")
	})
}

func TestLockDisconnectWhileDisconnectedCompletesImmediately(t *testing.T) {
	lock := newConnectionLockStage()
	h := newHarness(t, lock)

	h.do(func() {
		op := &DisconnectOp{}
		r := track(op)
		lock.HandleOp(op)
		assert.True(t, r.done)
		assert.NoError(t, r.err)
		assert.Empty(t, h.bottom.ops)
	})
}

func TestLockQueuesWhileConnectInFlight(t *testing.T) {
	lock := newConnectionLockStage()
	h := newHarness(t, lock)

	h.do(func() {
		connect := &ConnectOp{}
		lock.HandleOp(connect)
		require.Len(t, h.bottom.ops, 1)

		// Arrives while the connect is still in flight.
		pub := NewPublishOp("t", nil)
		pubResult := track(pub)
		lock.HandleOp(pub)
		assert.Len(t, h.bottom.ops, 1, "op must queue while blocked")

		// Connect succeeds; the queue re-runs.
		h.bottom.sendUp(ConnectedEvent{})
		Complete(connect, nil)
		require.Len(t, h.bottom.ops, 2)
		assert.Same(t, pub, h.bottom.ops[1])
		assert.False(t, pubResult.done)
	})
}

func TestLockFailedConnectFailsQueue(t *testing.T) {
	lock := newConnectionLockStage()
	h := newHarness(t, lock)

	h.do(func() {
		connect := &ConnectOp{}
		lock.HandleOp(connect)

		pub := NewPublishOp("t", nil)
		pubResult := track(pub)
		lock.HandleOp(pub)

		wantErr := errors.New("broker refused")
		Complete(connect, wantErr)

		assert.True(t, pubResult.done)
		assert.ErrorIs(t, pubResult.err, wantErr)
		assert.Len(t, h.bottom.ops, 1, "queued op must not run after failed connect")
	})
}

func TestLockReauthorizeBlocks(t *testing.T) {
	lock := newConnectionLockStage()
	h := newHarness(t, lock)

	h.do(func() {
		h.bottom.sendUp(ConnectedEvent{})
		reauth := &ReauthorizeOp{}
		lock.HandleOp(reauth)
		require.Len(t, h.bottom.ops, 1)

		pub := NewPublishOp("t", nil)
		lock.HandleOp(pub)
		assert.Len(t, h.bottom.ops, 1)

		Complete(reauth, nil)
		assert.Len(t, h.bottom.ops, 2)
	})
}
