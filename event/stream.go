package event

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrStreamClosed  = errors.New("cannot notify closed stream")
	ErrNotifyTimeout = errors.New("timed out sending event to stream")
)

type Stream[E any] interface {
	ID() string
	Notify(event E, timeout time.Duration) error
	Close()
}

// ChannelStream buffers selected events on a channel for a single consumer.
// A consumer that falls behind for longer than the notify timeout gets its
// stream closed.
type ChannelStream[E, T any] struct {
	sync.Mutex

	id string

	closed   bool
	ch       chan T
	selector func(E) (T, bool)
}

func NewChannelStream[E, T any](
	id string,
	bufferSize int,
	selector func(event E) (T, bool),
) *ChannelStream[E, T] {
	return &ChannelStream[E, T]{
		id:       id,
		ch:       make(chan T, bufferSize),
		selector: selector,
	}
}

func (s *ChannelStream[E, T]) ID() string {
	return s.id
}

func (s *ChannelStream[E, T]) Notify(event E, timeout time.Duration) error {
	msg, ok := s.selector(event)
	if !ok {
		return nil
	}

	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrStreamClosed
	}

	select {
	case s.ch <- msg:
	case <-time.After(timeout):
		s.closeLocked()
		s.Unlock()
		return ErrNotifyTimeout
	}

	s.Unlock()
	return nil
}

func (s *ChannelStream[E, T]) Channel() <-chan T {
	return s.ch
}

func (s *ChannelStream[E, T]) Close() {
	s.Lock()
	defer s.Unlock()

	s.closeLocked()
}

func (s *ChannelStream[E, T]) closeLocked() {
	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}
