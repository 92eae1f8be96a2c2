package cpu

import "sync"

// stream runs device work in submission order on one goroutine, the way a
// command queue does on a real device.
type stream struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []func()
	// submitted and completed count tasks; synchronize waits for the
	// completed count to reach the submitted count it observed.
	submitted uint64
	completed uint64
	closed    bool
	done      chan struct{}
}

func newStream() *stream {
	s := &stream{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.worker()
	return s
}

func (s *stream) worker() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()

		s.mu.Lock()
		s.completed++
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// submit enqueues task without waiting for it. It fails once the stream is
// closed.
func (s *stream) submit(task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errReleased
	}
	s.queue = append(s.queue, task)
	s.submitted++
	s.cond.Broadcast()
	return nil
}

// run enqueues task and waits for its result. Everything submitted before
// it has retired by the time run returns.
func (s *stream) run(task func() error) error {
	errc := make(chan error, 1)
	if err := s.submit(func() { errc <- task() }); err != nil {
		return err
	}
	return <-errc
}

// synchronize waits until every task submitted so far has completed.
func (s *stream) synchronize() {
	s.mu.Lock()
	target := s.submitted
	for s.completed < target {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// close rejects further work, drains the queue and stops the worker.
func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}
