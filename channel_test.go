package wsrpc

import (
	"context"
	"io"
	"testing"
	"time"
)

func subscribeChannel(t *testing.T, ch *Channel, params ...any) *Stream {
	t.Helper()
	v, err := ch.Handler()(context.Background(), params)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return v.(*Stream)
}

func TestChannel_FirstValueFromOnSubscribe(t *testing.T) {
	ch := NewChannel(func(ctx context.Context, params []any) (any, error) {
		return params[0], nil
	})

	s := subscribeChannel(t, ch, "greetings")
	v, err := s.Recv(context.Background())
	if err != nil || v != "greetings" {
		t.Fatalf("Recv = %v, %v; want greetings, nil", v, err)
	}
}

func TestChannel_SubscriberCountedAfterOnSubscribe(t *testing.T) {
	var ch *Channel
	ch = NewChannel(func(ctx context.Context, params []any) (any, error) {
		return ch.SubscriberCount(), nil
	})

	s := subscribeChannel(t, ch)
	v, err := s.Recv(context.Background())
	if err != nil || v != 0 {
		t.Fatalf("Recv = %v, %v; want 0: the subscriber registers after OnSubscribe", v, err)
	}
	if got := ch.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d; want 1", got)
	}
}

func TestChannel_PushBroadcasts(t *testing.T) {
	ch := NewChannel(nil)

	a := subscribeChannel(t, ch)
	b := subscribeChannel(t, ch)
	ch.Push("x")

	ctx := context.Background()
	for _, s := range []*Stream{a, b} {
		v, err := s.Recv(ctx)
		if err != nil || v != "x" {
			t.Fatalf("Recv = %v, %v; want x, nil", v, err)
		}
	}
}

func TestChannel_CancelDetaches(t *testing.T) {
	ch := NewChannel(nil)

	s := subscribeChannel(t, ch)
	if ch.SubscriberCount() != 1 {
		t.Fatal("expected one subscriber")
	}

	s.Cancel(nil)

	deadline := time.Now().Add(5 * time.Second)
	for ch.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancelled subscriber never detached")
		}
		time.Sleep(time.Millisecond)
	}

	// Pushes after detach go nowhere and must not block.
	ch.Push("dropped")
}

func TestChannel_CloseEndsStreams(t *testing.T) {
	ch := NewChannel(nil)

	s := subscribeChannel(t, ch)
	ch.Close()

	if _, err := s.Recv(context.Background()); err != io.EOF {
		t.Fatalf("Recv error = %v; want io.EOF", err)
	}
	if ch.SubscriberCount() != 0 {
		t.Fatal("Close should detach all subscribers")
	}
}
