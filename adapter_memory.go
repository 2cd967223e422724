package wsrpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MemoryAdapter connects a client to an in-process Server without a network.
// Each Connect produces a fresh pipe and hands the far end to the server, so
// a client with this adapter behaves exactly like one dialing over a socket,
// reconnects included.
type MemoryAdapter struct {
	Server *Server
}

// Connect creates a memory pipe and serves the far end on the adapter's
// Server.
func (a *MemoryAdapter) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	if a.Server == nil {
		return nil, errors.New("memory adapter has no server")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := NewMemoryPipe()
	go func() {
		// The server connection outlives the dial context; it ends when
		// either side closes the pipe.
		_ = a.Server.ServeConn(context.Background(), server)
	}()
	client.start(opts.OnMessage, opts.OnClose)
	return client, nil
}

// memFrame is one frame in flight inside a memory pipe.
type memFrame struct {
	data   []byte
	binary bool
}

// MemoryConn is one end of an in-memory connection. It satisfies the same
// contract as the WebSocket connection: ordered frames, bounded buffering,
// close observed by both ends.
type MemoryConn struct {
	peer *MemoryConn

	inbox chan memFrame

	onMessage func(data []byte, binary bool)
	onClose   func(info CloseInfo)

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	closedCh  chan CloseInfo
}

// NewMemoryPipe returns two linked connections. Frames sent on one are
// delivered, in order, to the other's message handler.
func NewMemoryPipe() (*MemoryConn, *MemoryConn) {
	a := &MemoryConn{
		inbox:    make(chan memFrame, 64),
		done:     make(chan struct{}),
		closedCh: make(chan CloseInfo, 1),
	}
	b := &MemoryConn{
		inbox:    make(chan memFrame, 64),
		done:     make(chan struct{}),
		closedCh: make(chan CloseInfo, 1),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *MemoryConn) start(onMessage func(data []byte, binary bool), onClose func(info CloseInfo)) {
	c.onMessage = onMessage
	c.onClose = onClose
	go c.pump()
}

func (c *MemoryConn) pump() {
	for {
		select {
		case frame := <-c.inbox:
			if c.onMessage != nil {
				c.onMessage(frame.data, frame.binary)
			}
		case <-c.done:
			return
		}
	}
}

// Send delivers one frame to the peer. It blocks while the peer's inbox is
// full, mirroring socket backpressure.
func (c *MemoryConn) Send(data []byte, binary bool) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	// The frame owns its bytes; callers may reuse the slice.
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.peer.inbox <- memFrame{data: buf, binary: binary}:
		return nil
	case <-c.peer.done:
		return ErrConnectionClosed
	case <-c.done:
		return ErrConnectionClosed
	}
}

// Close tears down both ends of the pipe. The peer observes the same code
// and reason.
func (c *MemoryConn) Close(code int, reason string) error {
	info := CloseInfo{Code: code, Reason: reason}
	c.fireClose(info)
	c.peer.fireClose(info)
	return nil
}

func (c *MemoryConn) Closed() <-chan CloseInfo {
	return c.closedCh
}

func (c *MemoryConn) fireClose(info CloseInfo) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.closedCh <- info
		close(c.closedCh)
		if c.onClose != nil {
			c.onClose(info)
		}
	})
}
