package pipeline

import (
	"errors"
	"time"
)

// defaultRetryInterval is how long a retryable op waits before it is run
// again.
const defaultRetryInterval = 20 * time.Second

// retryStage re-runs publish, subscribe, and unsubscribe ops that fail
// with a timeout. The completion is halted so the op stays alive, and the
// op is resubmitted after a fixed interval. Anything else fails through
// to the caller.
type retryStage struct {
	stageBase

	interval time.Duration
	waiting  map[Operation]*time.Timer
}

func newRetryStage() *retryStage {
	return &retryStage{
		interval: defaultRetryInterval,
		waiting:  make(map[Operation]*time.Timer),
	}
}

func (s *retryStage) Name() string { return "retry" }

func retryable(op Operation) bool {
	switch op.(type) {
	case *PublishOp, *SubscribeOp, *UnsubscribeOp:
		return true
	}
	return false
}

func (s *retryStage) HandleOp(op Operation) {
	switch op.(type) {
	case *ShutdownOp:
		for waiting, timer := range s.waiting {
			timer.Stop()
			delete(s.waiting, waiting)
			Complete(waiting, ErrOperationCancelled)
		}
		s.sendDown(op)
		return
	}

	if !retryable(op) {
		s.sendDown(op)
		return
	}
	s.watch(op)
	s.sendDown(op)
}

// watch observes one completion of op. On a timeout the op is halted,
// watched again, and resubmitted after the interval. Completion through
// any other path disarms the pending resubmission: the blocked transport
// call can still return after the timeout fired, and the timer must not
// re-run a completed op.
func (s *retryStage) watch(op Operation) {
	AddCallback(op, func(_ Operation, err error) {
		if timer, ok := s.waiting[op]; ok {
			timer.Stop()
			delete(s.waiting, op)
		}
		if !errors.Is(err, ErrOperationTimeout) {
			return
		}
		s.log().Info("retrying op after timeout",
			"op", op.Name(), "err", err, "delay", s.interval)
		Halt(op)
		s.watch(op)
		s.waiting[op] = time.AfterFunc(s.interval, func() {
			s.env.invoke(func() {
				if _, live := s.waiting[op]; !live {
					return
				}
				delete(s.waiting, op)
				s.sendDown(op)
			})
		})
	})
}
