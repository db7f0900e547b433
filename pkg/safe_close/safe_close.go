package safe_close

import (
	"context"
	"sync"
)

// SafeClose coordinates the shutdown of a service and the goroutines it
// starts. CloseWait returns only after Done was called and every
// Attach-ed goroutine returned.
//
//  1. The main service goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Sub goroutines are started by Attach and also wait on ReceiveCloseSignal.
//  3. Any of them may call SendCloseSignal on a fatal error.
//     They must not call CloseWait, that would deadlock.
//  4. Outside callers use CloseWait to stop the service.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CloseWait sends a close signal and blocks until Done was called and
// all Attach-ed goroutines returned. It can be called multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	if err != nil && s.closeErr == nil {
		s.closeErr = err
	}
	select {
	case <-s.closeSignal:
	default:
		close(s.closeSignal)
		s.cancel()
	}
}

// Err returns the first non-nil error given to SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Context is canceled once the close signal is sent.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Attach runs f in a new goroutine tracked by CloseWait.
// f must return after closeSignal is closed and call done.
// f does not run if s is already closed.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go f(s.wg.Done, s.closeSignal)
}

// Done marks the main service goroutine as finished.
// It can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
