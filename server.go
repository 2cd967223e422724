package wsrpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler processes one call: it receives the decoded params and returns a
// plain value, a *Stream for a streamed result, or an error. The ctx carries
// the per-connection context; it is cancelled when the connection dies.
//
// Errors of type *ClientError reach the caller verbatim. Any other error is
// reported to the server's error sink and surfaces to the caller only as a
// generic failure.
type Handler func(ctx context.Context, params []any) (any, error)

// Middleware wraps a Handler. Middlewares registered with Use run for every
// dispatched call, outermost first.
type Middleware func(next Handler) Handler

// Server dispatches incoming calls on accepted connections to a method
// table. One Server handles any number of connections; per-connection state
// lives in the ConnContext bound to each handler's ctx.
type Server struct {
	opts   serverOptions
	logger Logger

	mu         sync.RWMutex
	methods    map[string]Handler
	middleware []Middleware
}

// NewServer creates a server with the given options.
func NewServer(opt ...ServerOption) *Server {
	opts := defaultServerOptions()
	for _, o := range opt {
		o(&opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = defaultLogger()
	}
	if opts.onError == nil {
		opts.onError = func(err error) { logger.Error("server error", "error", err) }
	}
	return &Server{
		opts:    opts,
		logger:  logger,
		methods: make(map[string]Handler),
	}
}

// Register adds a method to the table, replacing any previous handler of
// the same name.
func (s *Server) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = h
}

// Use appends a middleware. Middlewares apply to calls dispatched after the
// call to Use, outermost first in registration order.
func (s *Server) Use(mw Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw)
}

// handler returns the middleware-wrapped handler for name, or nil.
func (s *Server) handler(name string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.methods[name]
	if !ok {
		return nil
	}
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// ServeConn serves one accepted connection until it closes or ctx is
// cancelled. The connection must come from one of this package's adapters
// (WebSocket upgrade or memory pipe).
func (s *Server) ServeConn(ctx context.Context, conn Conn) error {
	sc, ok := conn.(startableConn)
	if !ok {
		return errors.New("connection does not support deferred start")
	}

	connID := shortuuid.New()
	cc := newConnContext(connID)
	if s.opts.onConnection != nil {
		s.opts.onConnection(cc)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var t *transport
	t = newTransport(conn, transportOptions{
		transforms:   s.opts.transforms,
		logger:       s.logger,
		streamBuffer: s.opts.streamBuffer,
		onMessage: func(msg any) {
			req, ok := msg.(*request)
			if !ok {
				s.logger.Warn("dropping unexpected response frame", "conn_id", connID)
				return
			}
			go s.dispatch(ctx, t, cc, req)
		},
		onError: s.opts.onError,
	})
	sc.start(func(data []byte, binary bool) {
		_ = t.Parse(data, binary)
	}, nil)
	s.logger.Info("connection accepted", "conn_id", connID)

	go s.liveness(ctx, t, conn, connID)

	select {
	case info := <-conn.Closed():
		s.logger.Info("connection closed", "conn_id", connID, "code", info.Code, "reason", info.Reason)
	case <-ctx.Done():
		_ = conn.Close(CloseNormal, "server shutdown")
	}
	t.Close(ErrConnectionClosed)
	return nil
}

// dispatch runs one call. Each call gets its own goroutine so a slow
// handler never stalls the socket; responses carry no cross-call ordering.
func (s *Server) dispatch(ctx context.Context, t *transport, cc *ConnContext, req *request) {
	h := s.handler(req.Method)
	if h == nil {
		_ = t.SendError(req.ID, "Unknown method: "+req.Method)
		return
	}

	result, err := h(withConnContext(ctx, cc), req.Params)
	if err != nil {
		var ce *ClientError
		if errors.As(err, &ce) {
			_ = t.SendError(req.ID, ce.Error())
			return
		}
		// Never leak internal causes to the caller.
		s.opts.onError(err)
		_ = t.SendError(req.ID, true)
		return
	}
	_ = t.SendResult(req.ID, result)
}

// liveness closes connections that stay silent past pingTimeout and ignore
// a probe for pongTimeout. The client pings on its own interval, so a
// healthy connection always has traffic inside the budget.
func (s *Server) liveness(ctx context.Context, t *transport, conn Conn, connID string) {
	for {
		idle := t.TimeSinceLastMessage()
		if idle < s.opts.pingTimeout {
			select {
			case <-time.After(s.opts.pingTimeout - idle):
				continue
			case <-ctx.Done():
				return
			}
		}

		t.Ping(s.opts.pongTimeout, func(alive bool) {
			if !alive {
				s.logger.Warn("liveness timeout", "conn_id", connID)
				_ = conn.Close(CloseNormal, "liveness timeout")
			}
		})
		select {
		case <-time.After(s.opts.pongTimeout):
		case <-ctx.Done():
			return
		}
	}
}

// HTTPHandler returns an http.Handler that upgrades requests to WebSocket
// and serves them. Mount it on any router.
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgradeWebSocket(w, r)
		if err != nil {
			s.logger.Error("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		_ = s.ServeConn(r.Context(), conn)
	})
}

// ListenAndServe runs an HTTP server upgrading every request on addr. It
// blocks until ctx is cancelled or the listener fails. If a shutdown
// timeout is configured, shutdown goes through http.Server.Shutdown with
// that deadline: the listener stops and in-flight HTTP requests get up to
// that duration to finish. Upgraded WebSocket connections are hijacked, so
// Shutdown does not wait for them.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.HTTPHandler()}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	})
	group.Go(func() error {
		<-ctx.Done()
		if s.opts.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				_ = httpServer.Close()
			}
		} else {
			_ = httpServer.Close()
		}
		return ctx.Err()
	})

	s.logger.Info("server started", "addr", addr)
	err := group.Wait()
	s.logger.Info("server stopped", "addr", addr)
	return err
}
