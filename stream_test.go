package wsrpc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestStream_SendRecv(t *testing.T) {
	s := NewStream(2)
	ctx := context.Background()

	if err := s.Send(ctx, "a"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := s.Send(ctx, "b"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	v, err := s.Recv(ctx)
	if err != nil || v != "a" {
		t.Fatalf("Recv = %v, %v; want a, nil", v, err)
	}
	v, err = s.Recv(ctx)
	if err != nil || v != "b" {
		t.Fatalf("Recv = %v, %v; want b, nil", v, err)
	}
}

func TestStream_CloseDrainsBeforeEOF(t *testing.T) {
	s := NewStream(2)
	ctx := context.Background()

	s.Send(ctx, 1)
	s.Send(ctx, 2)
	s.Close()

	if v, err := s.Recv(ctx); err != nil || v != 1 {
		t.Fatalf("Recv = %v, %v; want 1, nil", v, err)
	}
	if v, err := s.Recv(ctx); err != nil || v != 2 {
		t.Fatalf("Recv = %v, %v; want 2, nil", v, err)
	}
	if _, err := s.Recv(ctx); err != io.EOF {
		t.Fatalf("Recv error = %v; want io.EOF", err)
	}
}

func TestStream_Fail(t *testing.T) {
	s := NewStream(1)
	boom := errors.New("boom")
	s.Fail(boom)

	if _, err := s.Recv(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Recv error = %v; want boom", err)
	}
}

func TestStream_SendAfterClose(t *testing.T) {
	s := NewStream(1)
	s.Close()

	if err := s.Send(context.Background(), 1); err == nil {
		t.Fatal("Send after Close should fail")
	}
}

func TestStream_CancelUnblocksProducer(t *testing.T) {
	s := NewStream(0)
	reason := errors.New("enough")

	done := make(chan error, 1)
	go func() {
		done <- s.Send(context.Background(), "item")
	}()

	time.Sleep(10 * time.Millisecond)
	s.Cancel(reason)

	select {
	case err := <-done:
		if !errors.Is(err, reason) {
			t.Fatalf("Send error = %v; want cancel reason", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Send to unblock")
	}

	select {
	case <-s.Cancelled():
	default:
		t.Fatal("Cancelled channel should be closed")
	}
}

func TestStream_CancelDefaultReason(t *testing.T) {
	s := NewStream(0)
	s.Cancel(nil)

	if _, err := s.Recv(context.Background()); !errors.Is(err, ErrStreamCancelled) {
		t.Fatalf("Recv error = %v; want ErrStreamCancelled", err)
	}
}

func TestStream_CancelHookFiresOnce(t *testing.T) {
	s := NewStream(0)
	fired := 0
	s.onCancel = func(reason error) { fired++ }

	s.Cancel(errors.New("first"))
	s.Cancel(errors.New("second"))

	if fired != 1 {
		t.Fatalf("onCancel fired %d times; want 1", fired)
	}
}

func TestStream_RecvContextCancelled(t *testing.T) {
	s := NewStream(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Recv(ctx); err != context.Canceled {
		t.Fatalf("Recv error = %v; want context.Canceled", err)
	}
}

func TestStream_StreamOfAndCollect(t *testing.T) {
	s := StreamOf(1, 2, 3)

	items, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(items) != 3 || items[0] != 1 || items[1] != 2 || items[2] != 3 {
		t.Fatalf("Collect = %v; want [1 2 3]", items)
	}
}
