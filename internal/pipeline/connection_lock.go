package pipeline

// connectionLockStage serializes operations that change the connection
// state. While a connect, disconnect, or reauthorize is in flight, every
// other op queues; when the in-flight op completes the queue is re-run in
// order. A connect that fails takes its queued ops down with it, since
// they were almost certainly waiting on that connection.
type connectionLockStage struct {
	stageBase

	blocked   bool
	queue     []Operation
	connected bool
}

func newConnectionLockStage() *connectionLockStage {
	return &connectionLockStage{}
}

func (s *connectionLockStage) Name() string { return "connection_lock" }

func (s *connectionLockStage) HandleOp(op Operation) {
	if s.blocked {
		s.log().Debug("queueing op while connection changes", "op", op.Name())
		s.queue = append(s.queue, op)
		return
	}

	switch op.(type) {
	case *ConnectOp:
		if s.connected {
			Complete(op, nil)
			return
		}
		s.block(op)
	case *DisconnectOp:
		if !s.connected {
			Complete(op, nil)
			return
		}
		s.block(op)
	case *ReauthorizeOp:
		s.block(op)
	default:
		s.sendDown(op)
	}
}

func (s *connectionLockStage) block(op Operation) {
	s.blocked = true
	_, isConnect := op.(*ConnectOp)
	AddCallback(op, func(_ Operation, err error) {
		s.unblock(err, isConnect)
	})
	s.sendDown(op)
}

func (s *connectionLockStage) unblock(err error, failQueue bool) {
	s.blocked = false
	queue := s.queue
	s.queue = nil

	if err != nil && failQueue {
		for _, queued := range queue {
			Complete(queued, err)
		}
		return
	}
	// Re-run rather than forward: the connection state changed, so each
	// queued op needs re-evaluation from the top of this stage.
	for _, queued := range queue {
		s.HandleOp(queued)
	}
}

func (s *connectionLockStage) HandleEvent(ev Event) {
	switch ev.(type) {
	case ConnectedEvent:
		s.connected = true
	case DisconnectedEvent:
		s.connected = false
	}
	s.sendUp(ev)
}
