package wsrpc

import (
	"context"
	"io"
	"sync"
)

// Stream is a lazy, ordered sequence of values with a cancel capability.
//
// A handler returns a *Stream to stream its result back to the caller; the
// codec replaces the value with an integer id on the wire and the transport
// multiplexes the items over the connection. On the consuming side a call
// whose result is a stream resolves to a *Stream bound to the transport.
//
// One producer feeds a stream via Send/Close/Fail; one consumer drains it via
// Recv. Both ends honor cancellation: Cancel unblocks the producer and, for
// an inbound stream, tells the remote producer to stop.
type Stream struct {
	items chan any

	termOnce sync.Once
	done     chan struct{}
	termErr  error // io.EOF on normal end

	cancelOnce sync.Once
	cancelled  chan struct{}
	cancelErr  error

	// onCancel is set by the transport on inbound streams so local
	// cancellation reaches the remote producer.
	onCancel func(reason error)
}

// NewStream creates a stream with the given item buffer size. A buffer of
// zero makes every Send rendezvous with a Recv.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{
		items:     make(chan any, buffer),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// StreamOf creates an already-closed stream containing the given values, in
// order. Convenient for handlers returning a finite sequence.
func StreamOf(values ...any) *Stream {
	s := NewStream(len(values))
	for _, v := range values {
		s.items <- v
	}
	s.Close()
	return s
}

// Send appends a value to the stream. It blocks until the consumer makes
// room, the stream is cancelled or closed, or ctx is done.
func (s *Stream) Send(ctx context.Context, v any) error {
	select {
	case <-s.cancelled:
		return s.cancelErr
	case <-s.done:
		return ErrStreamCancelled
	default:
	}

	select {
	case s.items <- v:
		return nil
	case <-s.cancelled:
		return s.cancelErr
	case <-s.done:
		return ErrStreamCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the natural end of the stream. Items already sent remain
// readable; Recv returns io.EOF once they are drained. Safe to call multiple
// times.
func (s *Stream) Close() {
	s.terminate(io.EOF)
}

// Fail terminates the stream with an error. The consumer observes err from
// Recv after draining buffered items.
func (s *Stream) Fail(err error) {
	if err == nil {
		err = ErrStreamCancelled
	}
	s.terminate(err)
}

func (s *Stream) terminate(err error) {
	s.termOnce.Do(func() {
		s.termErr = err
		close(s.done)
	})
}

// Recv returns the next value in the stream. It returns io.EOF after the
// producer closed the stream and all items are drained, the producer's error
// if it failed, the cancel reason if the stream was cancelled locally, or
// ctx's error.
func (s *Stream) Recv(ctx context.Context) (any, error) {
	// Drain buffered items before reporting a terminal state.
	select {
	case v := <-s.items:
		return v, nil
	default:
	}

	select {
	case v := <-s.items:
		return v, nil
	case <-s.done:
		select {
		case v := <-s.items:
			return v, nil
		default:
		}
		return nil, s.termErr
	case <-s.cancelled:
		return nil, s.cancelErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel tells the producer the consumer is discarding the stream. For an
// inbound stream this sends a cancel frame upstream; further frames for the
// stream are silently dropped. A nil reason defaults to ErrStreamCancelled.
// Safe to call multiple times; only the first reason sticks.
func (s *Stream) Cancel(reason error) {
	s.cancelOnce.Do(func() {
		if reason == nil {
			reason = ErrStreamCancelled
		}
		s.cancelErr = reason
		close(s.cancelled)
		if s.onCancel != nil {
			s.onCancel(reason)
		}
	})
}

// Cancelled returns a channel closed when the consumer cancels the stream.
// Producers select on it to stop early.
func (s *Stream) Cancelled() <-chan struct{} {
	return s.cancelled
}

// Collect drains the stream into a slice. It stops at the natural end of the
// stream (returning the items collected so far) or at the first error.
func (s *Stream) Collect(ctx context.Context) ([]any, error) {
	var out []any
	for {
		v, err := s.Recv(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
