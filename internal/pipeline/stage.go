// Package pipeline implements the staged operation/event pipeline behind
// the device and provisioning clients. Operations flow down the chain
// toward the transport; events flow up toward the application. All stage
// logic runs serialized on a single pipeline goroutine, so stages need no
// internal locking; user-facing callbacks are dispatched to a separate
// callback goroutine so they may safely re-enter the pipeline.
package pipeline

import (
	"fmt"

	"cirruslink.io/sdk-go/pkg/log"
)

// Stage is one link in the chain. A stage may consume an op or event,
// transform it, or forward it unchanged.
type Stage interface {
	Name() string

	// HandleOp processes an op flowing down. Runs on the pipeline
	// goroutine.
	HandleOp(op Operation)

	// HandleEvent processes an event flowing up. Runs on the pipeline
	// goroutine.
	HandleEvent(ev Event)

	base() *stageBase
}

// stageBase carries the chain wiring shared by all stages. Embedding it
// provides default pass-through behavior for both directions.
type stageBase struct {
	name string
	next Stage
	prev Stage
	env  *env
}

func (s *stageBase) base() *stageBase { return s }

func (s *stageBase) Name() string { return s.name }

// HandleOp forwards the op down unchanged.
func (s *stageBase) HandleOp(op Operation) { s.sendDown(op) }

// HandleEvent forwards the event up unchanged.
func (s *stageBase) HandleEvent(ev Event) { s.sendUp(ev) }

func (s *stageBase) sendDown(op Operation) {
	if s.next == nil {
		Complete(op, fmt.Errorf("pipeline: op %q fell off the end of the chain", op.Name()))
		return
	}
	s.next.HandleOp(op)
}

func (s *stageBase) sendUp(ev Event) {
	if s.prev == nil {
		s.env.reportBackground(fmt.Errorf("pipeline: event %q fell off the top of the chain", ev.EventName()))
		return
	}
	s.prev.HandleEvent(ev)
}

func (s *stageBase) log() log.Logger { return s.env.log }

// link wires stages into a chain top to bottom and hands each the shared
// environment.
func link(e *env, stages ...Stage) {
	for i, st := range stages {
		b := st.base()
		b.name = st.Name()
		b.env = e
		if i > 0 {
			b.prev = stages[i-1]
		}
		if i < len(stages)-1 {
			b.next = stages[i+1]
		}
	}
}
