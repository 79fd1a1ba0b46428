package pipeline

import (
	"testing"
	"time"

	"cirruslink.io/sdk-go/pkg/log"
)

// harness wires a stage under test between a capturing top and bottom and
// runs a real pipeline goroutine, so timer-driven paths behave as in
// production.
type harness struct {
	t      *testing.T
	env    *env
	top    *topStage
	bottom *bottomStage
}

func newHarness(t *testing.T, under ...Stage) *harness {
	t.Helper()

	e := &env{
		log:  log.Std(),
		runq: make(chan func(), 64),
		cbq:  make(chan func(), 64),
		quit: make(chan struct{}),
	}

	h := &harness{t: t, env: e, top: &topStage{}, bottom: &bottomStage{}}
	stages := append([]Stage{h.top}, under...)
	stages = append(stages, h.bottom)
	link(e, stages...)
	for _, st := range stages {
		if starter, ok := st.(interface{ start() }); ok {
			starter.start()
		}
	}

	e.wg.Add(2)
	go h.loop(e.runq)
	go h.loop(e.cbq)
	t.Cleanup(func() {
		close(e.quit)
		e.wg.Wait()
	})
	return h
}

func (h *harness) loop(q chan func()) {
	defer h.env.wg.Done()
	for {
		select {
		case f := <-q:
			f()
		case <-h.env.quit:
			return
		}
	}
}

// do runs f on the pipeline goroutine and waits for it, keeping test
// assertions serialized with stage logic.
func (h *harness) do(f func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.env.runq <- func() {
		f()
		close(done)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("pipeline goroutine stalled")
	}
}

// eventually polls cond on the pipeline goroutine until it holds.
func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.do(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatal(msg)
}

// topStage records events that reach the top of the chain.
type topStage struct {
	stageBase
	events []Event
}

func (s *topStage) Name() string { return "test_top" }

func (s *topStage) HandleEvent(ev Event) {
	s.events = append(s.events, ev)
}

// bottomStage records ops that reach the bottom. Ops are left incomplete
// so tests control completion; set autoErr to complete them on arrival.
type bottomStage struct {
	stageBase
	ops     []Operation
	auto    bool
	autoErr error
}

func (s *bottomStage) Name() string { return "test_bottom" }

func (s *bottomStage) HandleOp(op Operation) {
	s.ops = append(s.ops, op)
	if s.auto {
		Complete(op, s.autoErr)
	}
}

// last returns the most recently captured op, or nil.
func (s *bottomStage) last() Operation {
	if len(s.ops) == 0 {
		return nil
	}
	return s.ops[len(s.ops)-1]
}

// result tracks completion of an op under test.
type result struct {
	done bool
	err  error
}

func track(op Operation) *result {
	r := &result{}
	AddCallback(op, func(_ Operation, err error) {
		r.done = true
		r.err = err
	})
	return r
}
