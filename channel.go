package wsrpc

import (
	"context"
	"sync"
)

// Channel produces a lazy sequence per subscriber with a shared Push
// broadcast: every subscriber's stream receives every value pushed after it
// attached. Handlers built from a Channel pair naturally with the client's
// Subscribe: a resubscription after a reconnect simply attaches again.
type Channel struct {
	// OnSubscribe, if set, produces the first item of each subscriber's
	// stream from the call's params. Returning an error fails the call.
	OnSubscribe func(ctx context.Context, params []any) (any, error)

	buffer int

	mu   sync.Mutex
	subs map[*Stream]struct{}
}

// NewChannel creates a channel. onSubscribe may be nil for channels whose
// streams carry only pushed values.
func NewChannel(onSubscribe func(ctx context.Context, params []any) (any, error)) *Channel {
	return &Channel{
		OnSubscribe: onSubscribe,
		buffer:      defaultStreamBuffer,
		subs:        make(map[*Stream]struct{}),
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (ch *Channel) SubscriberCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Push broadcasts v to every attached subscriber. Each subscriber receives
// pushed values in push order; the order in which subscribers are served is
// not defined. A subscriber that cancelled concurrently is skipped.
func (ch *Channel) Push(v any) {
	ch.mu.Lock()
	subs := make([]*Stream, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	ch.mu.Unlock()

	for _, s := range subs {
		_ = s.Send(context.Background(), v)
	}
}

// Close ends every subscriber's stream normally and detaches them.
func (ch *Channel) Close() {
	ch.mu.Lock()
	subs := ch.subs
	ch.subs = make(map[*Stream]struct{})
	ch.mu.Unlock()

	for s := range subs {
		s.Close()
	}
}

// Handler returns the method handler for this channel. Each call yields a
// fresh stream: the OnSubscribe result first (computed before the subscriber
// is counted), then every pushed value until the subscriber cancels or the
// channel closes.
func (ch *Channel) Handler() Handler {
	return func(ctx context.Context, params []any) (any, error) {
		var first any
		var hasFirst bool
		if ch.OnSubscribe != nil {
			v, err := ch.OnSubscribe(ctx, params)
			if err != nil {
				return nil, err
			}
			first = v
			hasFirst = true
		}

		s := NewStream(ch.buffer)
		if hasFirst {
			_ = s.Send(ctx, first)
		}

		ch.mu.Lock()
		ch.subs[s] = struct{}{}
		ch.mu.Unlock()

		go func() {
			// Detach on cancel or on any terminal state (channel close,
			// transport death).
			select {
			case <-s.Cancelled():
			case <-s.done:
			}
			ch.mu.Lock()
			delete(ch.subs, s)
			ch.mu.Unlock()
		}()

		return s, nil
	}
}
