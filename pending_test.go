package wsrpc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// captureLogger records log lines for assertions. Shared by tests in this
// package.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *captureLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line == msg {
			return true
		}
	}
	return false
}

func (l *captureLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *captureLogger) Error(msg string, args ...any) { l.record(msg) }

func TestPendingTable_IDsMonotonic(t *testing.T) {
	p := newPendingTable(&captureLogger{})

	var last uint64
	for i := 0; i < 100; i++ {
		call := p.allocate("m", nil)
		if call.id <= last {
			t.Fatalf("id %d not greater than %d", call.id, last)
		}
		last = call.id
	}
}

func TestPendingTable_Resolve(t *testing.T) {
	p := newPendingTable(&captureLogger{})
	call := p.allocate("m", nil)

	p.resolve(call.id, "value")

	v, err := call.Wait(context.Background())
	if err != nil || v != "value" {
		t.Fatalf("Wait = %v, %v; want value, nil", v, err)
	}
}

func TestPendingTable_Reject(t *testing.T) {
	p := newPendingTable(&captureLogger{})
	call := p.allocate("m", nil)

	p.reject(call.id, ErrConnectionClosed)

	if _, err := call.Wait(context.Background()); err != ErrConnectionClosed {
		t.Fatalf("Wait error = %v; want ErrConnectionClosed", err)
	}
}

func TestPendingTable_ResolveAtMostOnce(t *testing.T) {
	logger := &captureLogger{}
	p := newPendingTable(logger)
	call := p.allocate("m", nil)

	p.resolve(call.id, "first")
	// The slot is gone; a duplicate response is logged and discarded.
	p.resolve(call.id, "second")

	v, _ := call.Wait(context.Background())
	if v != "first" {
		t.Fatalf("Wait = %v; want first", v)
	}
	want := fmt.Sprintf("Unknown response ID: %d", call.id)
	if !logger.has(want) {
		t.Fatalf("expected log %q, got %v", want, logger.lines)
	}
}

func TestPendingTable_UnknownIDLogged(t *testing.T) {
	logger := &captureLogger{}
	p := newPendingTable(logger)

	p.resolve(42, "value")

	if !logger.has("Unknown response ID: 42") {
		t.Fatalf("expected unknown-id log, got %v", logger.lines)
	}
}

func TestPendingTable_RejectAll(t *testing.T) {
	p := newPendingTable(&captureLogger{})

	calls := make([]*Call, 5)
	for i := range calls {
		calls[i] = p.allocate("m", nil)
	}

	p.rejectAll(ErrConnectionClosed)

	for _, call := range calls {
		select {
		case <-call.Done():
		case <-time.After(time.Second):
			t.Fatal("call not completed by rejectAll")
		}
		if _, err := call.Wait(context.Background()); err != ErrConnectionClosed {
			t.Fatalf("Wait error = %v; want ErrConnectionClosed", err)
		}
	}
}

func TestPendingTable_CancelDropsSlot(t *testing.T) {
	logger := &captureLogger{}
	p := newPendingTable(logger)
	call := p.allocate("m", nil)

	p.cancel(call.id)
	p.resolve(call.id, "late")

	select {
	case <-call.Done():
		t.Fatal("cancelled call should not complete")
	default:
	}
	if !logger.has(fmt.Sprintf("Unknown response ID: %d", call.id)) {
		t.Fatal("late response should be logged as unknown")
	}
}
