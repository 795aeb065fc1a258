//go:build linux
// +build linux

package sock

import (
	"sync"
)

// SourceState tracks the lifecycle of a readiness source. A source fires only
// while Armed; cancelling a source that was never resumed skips the facility
// deregistration, which would otherwise act on a registration that does not
// exist yet.
type SourceState int32

const (
	SourceCreated SourceState = iota
	SourceArmed
	SourceCancelled
)

// ReadSource is a registration with the readiness facility that invokes a
// handler on its queue whenever fd becomes readable, carrying an estimate of
// the bytes available. It starts suspended; call Resume to arm it.
type ReadSource struct {
	fd      int
	queue   Queue
	handler func(available int)

	mu    sync.Mutex
	state SourceState

	p *poller
}

// NewReadSource creates a suspended source for fd. The handler is invoked on
// queue; a nil handler is a hard error, a nil queue falls back to the
// process-wide default.
func NewReadSource(fd int, queue Queue, handler func(available int)) (*ReadSource, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if queue == nil {
		queue = DefaultQueue()
	}
	p, err := sharedPoller()
	if err != nil {
		return nil, err
	}
	return &ReadSource{
		fd:      fd,
		queue:   queue,
		handler: handler,
		p:       p,
	}, nil
}

// Resume arms the source. Resuming a source that is not freshly created is a
// no-op, so a cancelled source stays cancelled.
func (s *ReadSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SourceCreated {
		return nil
	}
	if err := s.p.register(s); err != nil {
		return err
	}
	s.state = SourceArmed
	return nil
}

// Cancel retires the source. Idempotent; only an armed source is actually
// deregistered from the facility.
func (s *ReadSource) Cancel() {
	s.mu.Lock()
	wasArmed := s.state == SourceArmed
	s.state = SourceCancelled
	s.mu.Unlock()

	if wasArmed {
		s.p.unregister(s.fd)
	}
}

// State returns the current lifecycle state.
func (s *ReadSource) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// deliver schedules one handler invocation. Events racing a cancellation are
// dropped here.
func (s *ReadSource) deliver(available int) {
	s.mu.Lock()
	armed := s.state == SourceArmed
	h := s.handler
	q := s.queue
	s.mu.Unlock()

	if !armed {
		return
	}
	q.Dispatch(func() {
		h(available)
	})
}
