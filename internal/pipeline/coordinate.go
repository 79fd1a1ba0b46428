package pipeline

import (
	"fmt"
	"time"

	"cirruslink.io/sdk-go/internal/metrics"
	"cirruslink.io/sdk-go/internal/requests"
)

// coordinateStage pairs RequestAndResponseOps with the responses the hub
// sends back on a shared topic. Each exchange gets a correlation id from
// the ledger; the matching ResponseEvent resolves the ledger slot exactly
// once, and anything unmatched is dropped. Pending requests are re-sent
// when the connection comes back, since a response may have been lost
// while the link was down.
type coordinateStage struct {
	stageBase

	ledger  *requests.Ledger
	pending map[string]*RequestAndResponseOp
}

func newCoordinateStage() *coordinateStage {
	return &coordinateStage{
		ledger:  requests.NewLedger(),
		pending: make(map[string]*RequestAndResponseOp),
	}
}

func (s *coordinateStage) Name() string { return "coordinate_request_response" }

func (s *coordinateStage) HandleOp(op Operation) {
	switch op := op.(type) {
	case *RequestAndResponseOp:
		r := s.ledger.Create()
		s.pending[r.ID()] = op
		go s.await(r, op, time.Now())
		s.sendRequest(op, r.ID())

	case *ShutdownOp:
		// Cancel every outstanding exchange right here, on the pipeline
		// goroutine. Going through the ledger would hand the completions
		// to the awaiter goroutines' invoke closures, which the closing
		// quit channel can drop. The awaiters themselves exit on quit.
		for id, pending := range s.pending {
			s.ledger.Delete(id)
			delete(s.pending, id)
			Complete(pending, ErrOperationCancelled)
		}
		s.sendDown(op)

	default:
		s.sendDown(op)
	}
}

func (s *coordinateStage) sendRequest(op *RequestAndResponseOp, requestID string) {
	req := &RequestOp{
		RequestType: op.RequestType,
		Method:      op.Method,
		Resource:    op.Resource,
		OperationID: op.OperationID,
		RequestID:   requestID,
		Payload:     op.Payload,
	}
	req.needsConnection = true
	AddCallback(req, func(_ Operation, err error) {
		if err != nil {
			// The request never made it out; fail the exchange through
			// its ledger slot.
			s.ledger.Match(requestID, &requests.Response{Err: err})
		}
	})
	s.sendDown(req)
}

// await delivers the resolved exchange back onto the pipeline goroutine.
// It runs on its own goroutine, one per pending request.
func (s *coordinateStage) await(r *requests.Request, op *RequestAndResponseOp, started time.Time) {
	select {
	case resp := <-r.Response():
		s.env.invoke(func() {
			delete(s.pending, r.ID())
			if resp.Err != nil {
				Complete(op, resp.Err)
				return
			}
			metrics.RequestLatency.WithLabelValues(op.RequestType).Observe(time.Since(started).Seconds())
			op.Status = resp.Status
			op.ResponsePayload = resp.Payload
			op.Version = resp.Version
			op.RetryAfter = resp.RetryAfter
			Complete(op, nil)
		})
	case <-s.env.quit:
	}
}

func (s *coordinateStage) HandleEvent(ev Event) {
	switch ev := ev.(type) {
	case ResponseEvent:
		matched := s.ledger.Match(ev.RequestID, &requests.Response{
			Status:     ev.Status,
			Payload:    ev.Payload,
			Version:    ev.Version,
			RetryAfter: ev.RetryAfter,
		})
		if !matched {
			// Unsolicited, duplicated, or late. Drop it.
			s.log().Debug("response with no pending request",
				"request_id", ev.RequestID, "status", ev.Status)
		}

	case ConnectedEvent:
		s.sendUp(ev)
		// A response may have been lost across the reconnect; re-send
		// anything still pending. The ledger guarantees a duplicate
		// response resolves nothing twice.
		for id, op := range s.pending {
			s.log().Debug("re-sending pending request after reconnect", "request_id", id)
			s.resend(op, id)
		}

	default:
		s.sendUp(ev)
	}
}

func (s *coordinateStage) resend(op *RequestAndResponseOp, requestID string) {
	req := &RequestOp{
		RequestType: op.RequestType,
		Method:      op.Method,
		Resource:    op.Resource,
		OperationID: op.OperationID,
		RequestID:   requestID,
		Payload:     op.Payload,
	}
	req.needsConnection = true
	AddCallback(req, func(_ Operation, err error) {
		if err != nil {
			s.env.reportBackground(fmt.Errorf("re-sending request %s: %w", requestID, err))
		}
	})
	s.sendDown(req)
}
