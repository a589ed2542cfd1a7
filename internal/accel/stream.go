// Package accel models the ordered-stream, event-synchronised concurrency
// primitives an accelerator runtime provides: named, ordered command queues
// ("streams") and completion markers ("events") that let one stream wait on
// another without blocking the host thread.
//
// A real backend binds Stream and Event to actual device queue/event
// handles; this package gives the param-group state machine something
// concrete to drive and gives tests something deterministic to assert on.
package accel

import "sync"

// Stream is an ordered, named command queue. Work submitted to a Stream via
// Run executes in submission order; WaitEvent orders the stream after an
// Event by blocking the calling (host) goroutine until that Event has been
// recorded.
type Stream struct {
	mu   sync.Mutex
	name string
	seq  int
}

// NewStream creates a named stream. name is used only for diagnostics and
// test assertions (e.g. "which stream did this op run on").
func NewStream(name string) *Stream {
	return &Stream{name: name}
}

// Name returns the stream's diagnostic name.
func (s *Stream) Name() string {
	return s.name
}

// Run executes fn as the next piece of work on this stream and bumps the
// stream's sequence counter. Because this package has no real device queue
// to hand off to, Run executes fn synchronously on the calling goroutine;
// callers (the param-group state machine) never rely on Run returning before
// fn's effects are visible -- only on the *ordering* Run enforces relative to
// other calls on the same Stream.
func (s *Stream) Run(fn func()) {
	s.mu.Lock()
	s.seq++
	s.mu.Unlock()
	fn()
}

// WaitEvent makes this stream wait for ev before running any further
// enqueued work. It blocks the calling goroutine until ev has been
// recorded; the wait is not deferred to this stream's next Run.
func (s *Stream) WaitEvent(ev *Event) {
	if ev == nil {
		return
	}
	ev.bind(s)
}

// Seq returns the number of Run calls issued so far, useful for tests that
// assert relative ordering between streams.
func (s *Stream) Seq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Event is a one-shot completion marker. Record fires it; Wait blocks the
// calling goroutine until it fires. Stream.WaitEvent (used, e.g., by
// FinalizeBackward's default-stream wait) is built on Wait and blocks the
// same way.
type Event struct {
	once sync.Once
	done chan struct{}
}

// NewEvent creates an unfired Event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Record marks the event as complete. Safe to call more than once; only the
// first call has an effect.
func (e *Event) Record() {
	e.once.Do(func() { close(e.done) })
}

// Wait blocks until Record has been called.
func (e *Event) Wait() {
	<-e.done
}

// bind blocks until the event fires. Since Run executes synchronously in
// this package, and collectives complete synchronously too (there is no real
// async device queue here), the events this module waits on have already
// been recorded by the time any caller reaches WaitEvent, so the wait
// returns at once; this method exists so the ordering relationship is
// explicit rather than implicit.
func (e *Event) bind(s *Stream) {
	e.Wait()
	_ = s
}

// StreamSet bundles the four streams an unshard/reshard cycle uses. Any
// subset left nil collapses to Default without changing correctness, only
// performance.
type StreamSet struct {
	Default         *Stream
	AllGatherCopyIn *Stream
	AllGather       *Stream
	ReduceScatter   *Stream
}

// NewStreamSet builds a StreamSet where every stream is the same, single
// default stream -- the degenerate, always-correct configuration.
func NewStreamSet() StreamSet {
	def := NewStream("default")
	return StreamSet{Default: def, AllGatherCopyIn: def, AllGather: def, ReduceScatter: def}
}

// normalize returns s with every nil field replaced by Default.
func (s StreamSet) normalize() StreamSet {
	if s.Default == nil {
		s.Default = NewStream("default")
	}
	if s.AllGatherCopyIn == nil {
		s.AllGatherCopyIn = s.Default
	}
	if s.AllGather == nil {
		s.AllGather = s.Default
	}
	if s.ReduceScatter == nil {
		s.ReduceScatter = s.Default
	}
	return s
}

// Normalize returns a copy of s with nil stream fields defaulted.
func (s StreamSet) Normalize() StreamSet {
	return s.normalize()
}
