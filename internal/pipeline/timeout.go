package pipeline

import "time"

// defaultOpTimeout bounds subscribe/unsubscribe ops, which the broker can
// silently swallow on a bad connection.
const defaultOpTimeout = 10 * time.Second

// opTimeoutStage attaches a deadline to subscribe and unsubscribe ops.
// If the op has not completed when the deadline fires it is failed with
// ErrOperationTimeout, which the retry stage treats as retryable.
type opTimeoutStage struct {
	stageBase

	interval time.Duration
	timers   map[Operation]*time.Timer
}

func newOpTimeoutStage() *opTimeoutStage {
	return &opTimeoutStage{
		interval: defaultOpTimeout,
		timers:   make(map[Operation]*time.Timer),
	}
}

func (s *opTimeoutStage) Name() string { return "op_timeout" }

func (s *opTimeoutStage) HandleOp(op Operation) {
	switch op.(type) {
	case *SubscribeOp, *UnsubscribeOp:
		s.watch(op)
	case *ShutdownOp:
		for watched, timer := range s.timers {
			timer.Stop()
			delete(s.timers, watched)
		}
	}
	s.sendDown(op)
}

func (s *opTimeoutStage) watch(op Operation) {
	s.timers[op] = time.AfterFunc(s.interval, func() {
		s.env.invoke(func() {
			if _, live := s.timers[op]; !live {
				return
			}
			delete(s.timers, op)
			s.log().Warn("op timed out", "op", op.Name())
			Complete(op, ErrOperationTimeout)
		})
	})
	AddCallback(op, func(_ Operation, _ error) {
		if timer, ok := s.timers[op]; ok {
			timer.Stop()
			delete(s.timers, op)
		}
	})
}
