package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Stream is a lazy, finite, non-restartable sequence of response chunks.
// It is read by a single goroutine; Close may be called from any goroutine.
type Stream struct {
	parent context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	buf    []byte
	idle   time.Duration
	timer  *time.Timer
	err    error

	// guards the idle deadline shared with the timer callback
	mu       sync.Mutex
	reading  bool
	deadline time.Time
	expired  bool

	closeOnce sync.Once
}

func newStream(parent context.Context, cancel context.CancelFunc, idle time.Duration, chunkSize int) *Stream {
	s := &Stream{
		parent: parent,
		cancel: cancel,
		buf:    make([]byte, chunkSize),
		idle:   idle,
	}
	if idle > 0 {
		s.timer = time.AfterFunc(idle, s.expire)
		s.timer.Stop()
	}
	return s
}

// Next returns the next chunk. It returns io.EOF once the server closes the body,
// ErrCancelled after cancellation and *TransportError on any other failure.
func (s *Stream) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		s.arm()
		n, err := s.body.Read(s.buf)
		s.disarm()

		if err != nil {
			s.err = s.classify(err)
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			return chunk, nil
		}
		if s.err != nil {
			return nil, s.err
		}
	}
}

// Close aborts the request and releases the body. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.cancel()
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}

func (s *Stream) arm() {
	if s.timer == nil {
		return
	}
	s.mu.Lock()
	s.reading = true
	s.deadline = time.Now().Add(s.idle)
	s.mu.Unlock()
	s.timer.Reset(s.idle)
}

func (s *Stream) disarm() {
	if s.timer == nil {
		return
	}
	s.mu.Lock()
	s.reading = false
	s.mu.Unlock()
	s.timer.Stop()
}

// expire cancels the request only when a read is still pending past its deadline.
// A callback left over from an earlier read finds reading unset or a later deadline.
func (s *Stream) expire() {
	s.mu.Lock()
	if !s.reading || time.Now().Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	s.expired = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) timedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *Stream) classify(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case s.parent.Err() != nil:
		return ErrCancelled
	case s.timedOut():
		return &TransportError{Err: ErrIdleTimeout}
	default:
		return &TransportError{Err: err}
	}
}
