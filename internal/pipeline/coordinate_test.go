package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinateExchange(t *testing.T) {
	coord := newCoordinateStage()
	h := newHarness(t, coord)

	op := NewRequestAndResponseOp(RequestTypeTwin, "GET", "/", nil)
	var r *result
	var rid string

	h.do(func() {
		r = track(op)
		coord.HandleOp(op)

		require.Len(t, h.bottom.ops, 1)
		req, ok := h.bottom.ops[0].(*RequestOp)
		require.True(t, ok)
		assert.Equal(t, RequestTypeTwin, req.RequestType)
		assert.Equal(t, "GET", req.Method)
		require.NotEmpty(t, req.RequestID)
		rid = req.RequestID

		// The request goes out fine.
		Complete(req, nil)
		assert.False(t, r.done, "exchange must wait for the response")

		h.bottom.sendUp(ResponseEvent{
			RequestID: rid,
			Status:    200,
			Payload:   []byte(`{"reported":{}}`),
			Version:   3,
		})
	})

	h.eventually(func() bool { return r.done }, "exchange did not complete")
	h.do(func() {
		assert.NoError(t, r.err)
		assert.Equal(t, 200, op.Status)
		assert.Equal(t, []byte(`{"reported":{}}`), op.ResponsePayload)
		assert.Equal(t, 3, op.Version)
	})
}

func TestCoordinateDuplicateResponseDropped(t *testing.T) {
	coord := newCoordinateStage()
	h := newHarness(t, coord)

	op := NewRequestAndResponseOp(RequestTypeTwin, "GET", "/", nil)
	var r *result
	var rid string

	h.do(func() {
		r = track(op)
		coord.HandleOp(op)
		rid = h.bottom.ops[0].(*RequestOp).RequestID
		h.bottom.sendUp(ResponseEvent{RequestID: rid, Status: 200})
		// Exactly-once: the second resolution has no pending slot left.
		h.bottom.sendUp(ResponseEvent{RequestID: rid, Status: 500})
	})

	h.eventually(func() bool { return r.done }, "exchange did not complete")
	h.do(func() {
		assert.NoError(t, r.err)
		assert.Equal(t, 200, op.Status, "first response wins")
	})
}

func TestCoordinateUnknownResponseIgnored(t *testing.T) {
	coord := newCoordinateStage()
	h := newHarness(t, coord)

	h.do(func() {
		h.bottom.sendUp(ResponseEvent{RequestID: "nobody", Status: 200})
		assert.Empty(t, h.bottom.ops)
	})
}

func TestCoordinateRequestPublishFailureFailsExchange(t *testing.T) {
	coord := newCoordinateStage()
	h := newHarness(t, coord)

	op := NewRequestAndResponseOp(RequestTypeProvision, "PUT", "register", nil)
	var r *result

	h.do(func() {
		r = track(op)
		coord.HandleOp(op)
		req := h.bottom.ops[0].(*RequestOp)
		Complete(req, errors.New("publish failed"))
	})

	h.eventually(func() bool { return r.done }, "exchange did not fail")
	h.do(func() {
		assert.ErrorContains(t, r.err, "publish failed")
	})
}

func TestCoordinateResendsPendingOnReconnect(t *testing.T) {
	coord := newCoordinateStage()
	h := newHarness(t, coord)

	op := NewRequestAndResponseOp(RequestTypeTwin, "GET", "/", nil)
	var r *result
	var rid string

	h.do(func() {
		r = track(op)
		coord.HandleOp(op)
		first := h.bottom.ops[0].(*RequestOp)
		rid = first.RequestID
		Complete(first, nil)

		// The link bounces before a response arrives.
		h.bottom.sendUp(DisconnectedEvent{Err: ErrConnectionDropped})
		h.bottom.sendUp(ConnectedEvent{})

		require.Len(t, h.bottom.ops, 2, "pending request must be re-sent")
		second := h.bottom.ops[1].(*RequestOp)
		assert.Equal(t, rid, second.RequestID, "re-send keeps the correlation id")
		Complete(second, nil)

		h.bottom.sendUp(ResponseEvent{RequestID: rid, Status: 204})
	})

	h.eventually(func() bool { return r.done }, "exchange did not complete after re-send")
	h.do(func() {
		assert.NoError(t, r.err)
		assert.Equal(t, 204, op.Status)
	})
}

func TestCoordinateShutdownCancelsPending(t *testing.T) {
	coord := newCoordinateStage()
	h := newHarness(t, coord)

	op := NewRequestAndResponseOp(RequestTypeTwin, "GET", "/", nil)
	var r *result

	h.do(func() {
		r = track(op)
		coord.HandleOp(op)
		coord.HandleOp(&ShutdownOp{})

		// The cancellation must land before the shutdown op moves on;
		// once the pipeline goroutines stop, a deferred completion
		// would be lost.
		require.True(t, r.done, "pending exchange not cancelled on shutdown")
		assert.ErrorIs(t, r.err, ErrOperationCancelled)
		assert.Empty(t, coord.pending)
	})
}
