package wsrpc

import (
	"context"
	"time"
)

// clientOptions holds the configuration for a Client.
type clientOptions struct {
	signal     context.Context
	adapter    Adapter
	backoff    Backoff
	transforms map[string]Transform
	logger     Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
	streamBuffer int

	onError      func(err error)
	onConnection func(conn Conn)
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// Client defaults.
const (
	defaultPingInterval = 10 * time.Second
	defaultPongTimeout  = time.Second
)

func defaultClientOptions() clientOptions {
	return clientOptions{
		adapter:      &WebSocketAdapter{},
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		streamBuffer: defaultStreamBuffer,
	}
}

// AdapterOption returns a ClientOption that overrides the socket provider.
// The default is the WebSocket adapter.
func AdapterOption(adapter Adapter) ClientOption {
	return func(o *clientOptions) {
		o.adapter = adapter
	}
}

// BackoffOption returns a ClientOption that sets the reconnect schedule.
func BackoffOption(b Backoff) ClientOption {
	return func(o *clientOptions) {
		o.backoff = b
	}
}

// TransformOption returns a ClientOption that registers a reducer/reviver
// pair under the given tag. May be used multiple times for distinct tags.
func TransformOption(tag string, t Transform) ClientOption {
	return func(o *clientOptions) {
		if o.transforms == nil {
			o.transforms = make(map[string]Transform)
		}
		o.transforms[tag] = t
	}
}

// PingIntervalOption returns a ClientOption that sets the liveness probe
// interval. Default is 10 seconds.
func PingIntervalOption(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.pingInterval = d
	}
}

// PongTimeoutOption returns a ClientOption that sets how long a probe waits
// for traffic before the socket is declared dead. Default is 1 second.
func PongTimeoutOption(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.pongTimeout = d
	}
}

// StreamBufferOption returns a ClientOption that sets the per-stream item
// buffer size.
func StreamBufferOption(size int) ClientOption {
	return func(o *clientOptions) {
		o.streamBuffer = size
	}
}

// OnErrorOption returns a ClientOption that sets the error sink. The sink
// receives connect failures after backoff exhaustion, protocol errors and
// observer errors from subscriptions. Default logs at error level.
func OnErrorOption(cb func(err error)) ClientOption {
	return func(o *clientOptions) {
		o.onError = cb
	}
}

// OnConnectionOption returns a ClientOption invoked on each successful
// attach. The handle's Closed channel fires on that socket's termination.
func OnConnectionOption(cb func(conn Conn)) ClientOption {
	return func(o *clientOptions) {
		o.onConnection = cb
	}
}

// SignalOption returns a ClientOption that ties the client's lifetime to
// ctx: when ctx is cancelled the connect loop exits as if Close were called.
func SignalOption(ctx context.Context) ClientOption {
	return func(o *clientOptions) {
		o.signal = ctx
	}
}

// LoggerOption returns a ClientOption that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// serverOptions holds the configuration for a Server.
type serverOptions struct {
	transforms map[string]Transform
	logger     Logger

	pingTimeout  time.Duration
	pongTimeout  time.Duration
	streamBuffer int

	shutdownTimeout time.Duration

	onError      func(err error)
	onConnection func(cc *ConnContext)
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// Server defaults.
const defaultPingTimeout = 60 * time.Second

func defaultServerOptions() serverOptions {
	return serverOptions{
		pingTimeout:  defaultPingTimeout,
		pongTimeout:  defaultPongTimeout,
		streamBuffer: defaultStreamBuffer,
	}
}

// ServerTransformOption registers a reducer/reviver pair on the server
// codec.
func ServerTransformOption(tag string, t Transform) ServerOption {
	return func(o *serverOptions) {
		if o.transforms == nil {
			o.transforms = make(map[string]Transform)
		}
		o.transforms[tag] = t
	}
}

// PingTimeoutOption sets how long a connection may stay silent before the
// server probes it. Default is 60 seconds.
func PingTimeoutOption(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.pingTimeout = d
	}
}

// ServerPongTimeoutOption sets how long the server's probe waits for traffic
// before it closes the socket. Default is 1 second.
func ServerPongTimeoutOption(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.pongTimeout = d
	}
}

// ServerStreamBufferOption sets the per-stream item buffer size.
func ServerStreamBufferOption(size int) ServerOption {
	return func(o *serverOptions) {
		o.streamBuffer = size
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout for
// ListenAndServe. When the context is cancelled the listener stops and
// in-flight HTTP requests get up to this duration to finish; upgraded
// WebSocket connections are not waited for. Default is 0 (immediate
// shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.shutdownTimeout = timeout
	}
}

// ServerOnErrorOption sets the server's error sink. It receives handler
// errors that are not ClientErrors (never forwarded to callers) and protocol
// errors. Default logs at error level.
func ServerOnErrorOption(cb func(err error)) ServerOption {
	return func(o *serverOptions) {
		o.onError = cb
	}
}

// ConnectionHookOption sets a callback invoked for each accepted connection
// before any request is dispatched, typically to preset per-connection
// context values.
func ConnectionHookOption(cb func(cc *ConnContext)) ServerOption {
	return func(o *serverOptions) {
		o.onConnection = cb
	}
}

// ServerLoggerOption sets the logger for the server.
// If not set, the default slog logger will be used.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}
