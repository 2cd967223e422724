package wsrpc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client maintains one logical connection to a server: it dials through the
// adapter, reconnects with backoff when the socket drops, queues outbound
// requests while disconnected and flushes them in order on the next attach.
//
// Plain calls fail with ErrConnectionClosed when their socket dies; only
// Subscribe re-issues automatically.
type Client struct {
	url     string
	opts    clientOptions
	logger  Logger
	pending *pendingTable

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	transport *transport
	queue     []*Call
}

// NewClient creates a client for the given URL and starts its connect loop.
// The loop runs until Close is called, the configured signal context is
// cancelled, or the backoff schedule gives up.
func NewClient(url string, opt ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.New("url required")
	}
	opts := defaultClientOptions()
	for _, o := range opt {
		o(&opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = defaultLogger()
	}
	if opts.onError == nil {
		opts.onError = func(err error) { logger.Error("client error", "error", err) }
	}
	parent := opts.signal
	if parent == nil {
		parent = context.Background()
	}

	c := &Client{
		url:     url,
		opts:    opts,
		logger:  logger,
		pending: newPendingTable(logger),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	go c.run()
	return c, nil
}

// Close aborts the connect loop, closes the attached socket with code 1000
// and fails pending calls with ErrClientClosed. It blocks until the loop
// exits.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Done returns a channel closed when the connect loop has exited, whether by
// Close, signal cancellation or backoff exhaustion.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// transportHolder hands the transport to the adapter's message callback.
// The adapter starts delivering frames as soon as Connect returns, possibly
// before the client finished constructing the transport for that socket.
type transportHolder struct {
	ch   chan *transport
	once sync.Once
	t    *transport
}

func newTransportHolder() *transportHolder {
	return &transportHolder{ch: make(chan *transport, 1)}
}

func (h *transportHolder) set(t *transport) {
	h.ch <- t
}

func (h *transportHolder) get() *transport {
	h.once.Do(func() { h.t = <-h.ch })
	return h.t
}

func (c *Client) run() {
	defer close(c.done)
	defer c.pending.rejectAll(ErrClientClosed)
	// Whatever ends the loop (Close, signal, backoff exhaustion), later
	// calls must fail instead of queueing forever.
	defer c.cancel()

	for {
		holder := newTransportHolder()
		conn, err := c.dial(holder)
		if err != nil {
			if c.ctx.Err() == nil {
				c.opts.onError(err)
			}
			return
		}

		t := newTransport(conn, transportOptions{
			transforms:   c.opts.transforms,
			logger:       c.logger,
			streamBuffer: c.opts.streamBuffer,
			onMessage:    c.handleMessage,
			onError:      c.opts.onError,
		})
		holder.set(t)
		c.attach(t)
		c.logger.Info("connected", "url", c.url)

		pingCtx, stopPing := context.WithCancel(c.ctx)
		go c.pingLoop(pingCtx, t, conn)
		if c.opts.onConnection != nil {
			c.opts.onConnection(conn)
		}

		select {
		case info := <-conn.Closed():
			c.logger.Info("disconnected", "code", info.Code, "reason", info.Reason)
		case <-c.ctx.Done():
			_ = conn.Close(CloseNormal, "client closed")
		}

		stopPing()
		c.detach(t)
		t.Close(ErrConnectionClosed)
		if c.ctx.Err() != nil {
			// The deferred rejectAll fails pending calls with ErrClientClosed.
			return
		}
		c.pending.rejectAll(ErrConnectionClosed)
	}
}

// dial opens a socket through the adapter, applying the backoff schedule.
func (c *Client) dial(holder *transportHolder) (Conn, error) {
	var conn Conn
	err := c.opts.backoff.Do(c.ctx, func() error {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		cn, err := c.opts.adapter.Connect(c.ctx, ConnectOptions{
			URL: c.url,
			OnMessage: func(data []byte, binary bool) {
				_ = holder.get().Parse(data, binary)
			},
		})
		if err != nil {
			c.logger.Debug("connect attempt failed", "url", c.url, "error", err)
			return err
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// attach publishes the transport and flushes the request queue, in enqueue
// order, before any later request can be sent.
func (c *Client) attach(t *transport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transport = t
	queue := c.queue
	c.queue = nil
	for _, call := range queue {
		select {
		case <-call.done:
			// already failed or cancelled
			continue
		default:
		}
		if err := t.SendRequest(call.id, call.method, call.params); err != nil {
			c.pending.reject(call.id, ErrConnectionClosed)
		}
	}
}

func (c *Client) detach(t *transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
}

func (c *Client) pingLoop(ctx context.Context, t *transport, conn Conn) {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Ping(c.opts.pongTimeout, func(alive bool) {
				if !alive {
					c.logger.Warn("liveness probe failed", "url", c.url)
					_ = conn.Close(CloseGoingAway, "ping timeout")
				}
			})
		}
	}
}

// handleMessage routes decoded frames from the transport.
func (c *Client) handleMessage(msg any) {
	switch m := msg.(type) {
	case *response:
		if !m.HasErr {
			c.pending.resolve(m.ID, m.Result)
			return
		}
		if s, ok := m.Err.(string); ok {
			c.pending.reject(m.ID, &RemoteError{msg: s})
			return
		}
		c.pending.reject(m.ID, errRequestFailed)
	case *request:
		c.logger.Warn("dropping unexpected request from server", "method", m.Method)
	}
}

// Go issues a call without waiting. If no transport is attached the request
// is queued until the next successful attach.
func (c *Client) Go(method string, params ...any) *Call {
	call := c.pending.allocate(method, params)
	if c.ctx.Err() != nil {
		c.pending.reject(call.id, ErrClientClosed)
		return call
	}

	c.mu.Lock()
	t := c.transport
	if t == nil {
		c.queue = append(c.queue, call)
		c.mu.Unlock()
		return call
	}
	c.mu.Unlock()

	if err := t.SendRequest(call.id, method, params); err != nil {
		// The socket died under us: same outcome as an in-flight call on a
		// dropped connection.
		c.pending.reject(call.id, ErrConnectionClosed)
	}
	return call
}

// Call issues a request and waits for its response. The result is a plain
// value or, when the handler streamed its result, a *Stream. Cancelling ctx
// abandons the call; a late response is logged and discarded.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	call := c.Go(method, params...)
	v, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.pending.cancel(call.id)
	}
	return v, err
}

// Observer receives each item of a subscription. An error return is
// reported to the subscription's error sink and does not terminate the
// subscription.
type Observer func(v any) error

type subscribeOptions struct {
	onError func(err error)
}

// SubscribeOption configures a Subscribe run.
type SubscribeOption func(*subscribeOptions)

// SubscribeOnErrorOption sets where observer errors are reported. Default is
// the client's error sink.
func SubscribeOnErrorOption(cb func(err error)) SubscribeOption {
	return func(o *subscribeOptions) {
		o.onError = cb
	}
}

// Subscribe calls method and feeds every item of the resulting stream to
// observer. If the underlying transport dies mid-stream, the same call is
// re-issued and the observer keeps receiving items; this is the one
// automatic retry in the framework. Cancelling ctx cancels the inbound
// stream (notifying the producer) and returns.
func (c *Client) Subscribe(ctx context.Context, method string, params []any, observer Observer, opt ...SubscribeOption) error {
	so := subscribeOptions{onError: c.opts.onError}
	for _, o := range opt {
		o(&so)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := c.Call(ctx, method, params...)
		if errors.Is(err, ErrConnectionClosed) {
			continue // re-issue on the next attach
		}
		if err != nil {
			return err
		}
		s, ok := v.(*Stream)
		if !ok {
			return errors.Errorf("method %q did not return a stream", method)
		}

		again, err := c.consume(ctx, s, observer, so.onError)
		if err != nil || !again {
			return err
		}
	}
}

func (c *Client) consume(ctx context.Context, s *Stream, observer Observer, onError func(error)) (resubscribe bool, err error) {
	for {
		v, err := s.Recv(ctx)
		switch {
		case err == nil:
			if oerr := observer(v); oerr != nil {
				onError(oerr)
			}
		case errors.Is(err, io.EOF):
			return false, nil
		case errors.Is(err, ErrConnectionClosed):
			return true, nil
		case ctx.Err() != nil:
			s.Cancel(context.Canceled)
			return false, ctx.Err()
		default:
			return false, err
		}
	}
}
