// Package wsrpc is a bidirectional RPC framework layered on a single
// long-lived, auto-reconnecting full-duplex message socket.
//
// A caller invokes a named remote procedure with a list of arguments and
// receives either a plain value or a lazy sequence of values streamed back
// over the same connection. Call direction and stream direction are both
// multiplexed over one socket; the client side reconnects with exponential
// backoff and queues outbound requests while disconnected.
package wsrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type transportOptions struct {
	transforms   map[string]Transform
	logger       Logger
	streamBuffer int

	// onMessage receives each decoded *request or *response.
	onMessage func(msg any)
	// onError receives protocol errors before the transport closes.
	onError func(err error)
}

// inboundEntry tracks one inbound stream: its sink and whether the local
// consumer already cancelled it. A cancelled entry stays registered until
// the remote's done or error frame arrives, so late chunks are recognized
// and dropped rather than treated as protocol errors.
type inboundEntry struct {
	stream   *Stream
	canceled bool
}

// rawHeader is a pending chunk{type} announcement: the next physical frame
// is the raw payload for this stream.
type rawHeader struct {
	id  uint32
	typ string
}

// transport is the engine tying the codec and the stream registry to a byte
// channel. One transport serves one socket; a reconnect builds a new one.
//
// All outbound frames go through a single writer mutex so the two-frame
// chunk announcement + raw payload pair can never be interleaved. Inbound
// frames arrive from the adapter's single read pump.
type transport struct {
	conn  Conn
	codec *codec
	opts  transportOptions

	// ctx is cancelled (with the close reason) when the transport closes;
	// every outbound producer runs under a child of it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	writeMu sync.Mutex
	closed  atomic.Bool

	mu          sync.Mutex
	inbound     map[uint32]*inboundEntry
	outbound    map[uint32]context.CancelCauseFunc
	nextStream  uint32
	expectedRaw *rawHeader

	lastMessage atomic.Int64 // unix nanos
}

func newTransport(conn Conn, opts transportOptions) *transport {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.onError == nil {
		logger := opts.logger
		opts.onError = func(err error) { logger.Error("transport error", "error", err) }
	}
	if opts.streamBuffer <= 0 {
		opts.streamBuffer = defaultStreamBuffer
	}

	t := &transport{
		conn:     conn,
		opts:     opts,
		inbound:  make(map[uint32]*inboundEntry),
		outbound: make(map[uint32]context.CancelCauseFunc),
	}
	t.ctx, t.cancel = context.WithCancelCause(context.Background())
	t.lastMessage.Store(time.Now().UnixNano())

	t.codec = newCodec(opts.transforms)
	t.codec.reduceStream = t.reduceStream
	t.codec.reviveStream = t.reviveStream
	return t
}

// defaultStreamBuffer is the per-stream item buffer on both ends.
const defaultStreamBuffer = 16

// SendRequest writes a call request frame.
func (t *transport) SendRequest(id uint64, method string, params []any) error {
	data, starts, err := t.codec.encodeRequest(id, method, params)
	return t.send(data, starts, err)
}

// SendResult writes a success response frame. The result may contain
// streams; their producers start once the frame is on the wire.
func (t *transport) SendResult(id uint64, result any) error {
	data, starts, err := t.codec.encodeResult(id, result)
	return t.send(data, starts, err)
}

// SendError writes an error response frame. errVal is either a message
// string or the bare value true.
func (t *transport) SendError(id uint64, errVal any) error {
	data, starts, err := t.codec.encodeError(id, errVal)
	return t.send(data, starts, err)
}

func (t *transport) send(data []byte, starts []func(), err error) error {
	if err != nil {
		return err
	}
	if err := t.writeText(data); err != nil {
		return err
	}
	t.launch(starts)
	return nil
}

// launch starts deferred stream producers. Producers never start inline
// during serialization: the receiver must parse the stream id and register
// its sink before the first chunk arrives.
func (t *transport) launch(starts []func()) {
	for _, start := range starts {
		go start()
	}
}

func (t *transport) writeText(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	return t.conn.Send(data, false)
}

func (t *transport) writeStreamFrame(f streamFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return t.writeText(data)
}

// writeRawPair emits a chunk{type} announcement immediately followed by the
// raw payload, holding the writer for both so nothing interleaves.
func (t *transport) writeRawPair(id uint32, typ string, payload []byte, binary bool) error {
	announce, err := json.Marshal(streamFrame{Stream: streamChunk, ID: id, Type: typ})
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if err := t.conn.Send(announce, false); err != nil {
		return err
	}
	return t.conn.Send(payload, binary)
}

// reduceStream reserves an outbound stream id for s and registers its cancel
// handle. The returned start launches the producer task.
func (t *transport) reduceStream(s *Stream) (uint32, func(), error) {
	if t.closed.Load() {
		return 0, nil, ErrConnectionClosed
	}
	ctx, cancel := context.WithCancelCause(t.ctx)

	t.mu.Lock()
	t.nextStream++
	id := t.nextStream
	t.outbound[id] = cancel
	t.mu.Unlock()

	return id, func() { t.produce(ctx, id, s) }, nil
}

// produce reads the local sequence and writes chunks until it ends, fails,
// or is cancelled from the far side.
func (t *transport) produce(ctx context.Context, id uint32, s *Stream) {
	defer func() {
		t.mu.Lock()
		delete(t.outbound, id)
		t.mu.Unlock()
	}()

	for {
		v, err := s.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				_ = t.writeStreamFrame(streamFrame{Stream: streamDone, ID: id})
			case ctx.Err() != nil:
				// Remote cancel or transport close: stop reading, tell the
				// local producer, emit nothing.
				s.Cancel(context.Cause(ctx))
			default:
				_ = t.writeStreamFrame(streamFrame{Stream: streamError, ID: id, Error: err.Error()})
			}
			return
		}
		if err := t.sendChunk(id, v); err != nil {
			return
		}
	}
}

func (t *transport) sendChunk(id uint32, v any) error {
	switch v := v.(type) {
	case string:
		return t.writeRawPair(id, rawString, []byte(v), false)
	case []byte:
		return t.writeRawPair(id, rawBinary, v, true)
	default:
		data, starts, err := t.codec.flatten(v)
		if err != nil {
			// A value the codec cannot carry kills the stream, never the
			// transport.
			_ = t.writeStreamFrame(streamFrame{Stream: streamError, ID: id, Error: err.Error()})
			return err
		}
		if err := t.writeStreamFrame(streamFrame{Stream: streamChunk, ID: id, Data: data}); err != nil {
			return err
		}
		t.launch(starts)
		return nil
	}
}

// reviveStream registers an inbound stream id and returns the sequence bound
// to its sink. Cancelling the sequence notifies the remote producer.
func (t *transport) reviveStream(id uint32) *Stream {
	s := NewStream(t.opts.streamBuffer)
	s.onCancel = func(reason error) { t.cancelInbound(id, reason) }

	t.mu.Lock()
	t.inbound[id] = &inboundEntry{stream: s}
	t.mu.Unlock()
	return s
}

func (t *transport) cancelInbound(id uint32, reason error) {
	t.mu.Lock()
	e := t.inbound[id]
	if e == nil || e.canceled {
		t.mu.Unlock()
		return
	}
	e.canceled = true
	t.mu.Unlock()

	_ = t.writeStreamFrame(streamFrame{Stream: streamCancel, ID: id, Reason: reason.Error()})
}

// Parse handles one inbound frame.
func (t *transport) Parse(data []byte, binary bool) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	t.lastMessage.Store(time.Now().UnixNano())

	// A pending raw announcement claims the next frame, whatever it looks
	// like: a raw string payload is indistinguishable from anything else.
	if exp := t.takeExpectedRaw(); exp != nil {
		return t.parseRaw(exp, data, binary)
	}
	if binary {
		return t.fatal(errors.Wrap(ErrUnexpectedRaw, "binary frame without announcement"))
	}

	switch string(data) {
	case controlPing:
		return t.writeText([]byte(controlPong))
	case controlPong:
		return nil
	}

	if len(data) > 0 && data[0] == '[' {
		msg, streams, err := t.codec.decodeMessage(data)
		if err != nil {
			cancelStreams(streams)
			return t.fatal(err)
		}
		t.opts.onMessage(msg)
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var f streamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return t.fatal(errors.Wrap(ErrInvalidFrame, err.Error()))
		}
		return t.handleStreamFrame(&f)
	}
	return t.fatal(errors.Wrap(ErrInvalidFrame, "unrecognized frame"))
}

func (t *transport) parseRaw(exp *rawHeader, data []byte, binary bool) error {
	if binary != (exp.typ == rawBinary) {
		return t.fatal(errors.Wrapf(ErrUnexpectedRaw, "announced %s payload, got the other kind", exp.typ))
	}
	var v any
	if binary {
		buf := make([]byte, len(data))
		copy(buf, data)
		v = buf
	} else {
		v = string(data)
	}

	t.mu.Lock()
	e := t.inbound[exp.id]
	t.mu.Unlock()
	if e == nil {
		return t.fatal(errors.Wrapf(ErrUnknownStream, "%d", exp.id))
	}
	if e.canceled {
		return nil
	}
	// May block: per-stream backpressure propagates to the socket.
	_ = e.stream.Send(t.ctx, v)
	return nil
}

func (t *transport) handleStreamFrame(f *streamFrame) error {
	switch f.Stream {
	case streamChunk:
		t.mu.Lock()
		e := t.inbound[f.ID]
		t.mu.Unlock()
		if e == nil {
			return t.fatal(errors.Wrapf(ErrUnknownStream, "%d", f.ID))
		}
		if f.Type != "" {
			if f.Type != rawString && f.Type != rawBinary {
				return t.fatal(errors.Wrapf(ErrInvalidFrame, "unknown raw type %q", f.Type))
			}
			t.setExpectedRaw(f.ID, f.Type)
			return nil
		}
		if f.Data == nil {
			return t.fatal(errors.Wrap(ErrInvalidFrame, "chunk carries neither data nor type"))
		}
		v, streams, err := t.codec.unflatten(f.Data)
		if err != nil {
			cancelStreams(streams)
			return t.fatal(err)
		}
		if e.canceled {
			// Drop the value, but release any streams revived inside it so
			// their remote producers stop too.
			cancelStreams(streams)
			return nil
		}
		_ = e.stream.Send(t.ctx, v)
		return nil

	case streamDone:
		e := t.takeInbound(f.ID)
		if e == nil {
			return t.fatal(errors.Wrapf(ErrUnknownStream, "%d", f.ID))
		}
		if !e.canceled {
			e.stream.Close()
		}
		return nil

	case streamError:
		e := t.takeInbound(f.ID)
		if e == nil {
			return t.fatal(errors.Wrapf(ErrUnknownStream, "%d", f.ID))
		}
		if !e.canceled {
			e.stream.Fail(&RemoteError{msg: f.Error})
		}
		return nil

	case streamCancel:
		t.mu.Lock()
		cancel := t.outbound[f.ID]
		t.mu.Unlock()
		if cancel == nil {
			return t.fatal(errors.Wrapf(ErrUnknownStream, "%d", f.ID))
		}
		reason := f.Reason
		if reason == "" {
			reason = "stream cancelled"
		}
		cancel(&RemoteError{msg: reason})
		return nil

	default:
		return t.fatal(errors.Wrapf(ErrInvalidFrame, "unknown stream control %q", f.Stream))
	}
}

func cancelStreams(streams []*Stream) {
	for _, s := range streams {
		s.Cancel(ErrStreamCancelled)
	}
}

func (t *transport) setExpectedRaw(id uint32, typ string) {
	t.mu.Lock()
	t.expectedRaw = &rawHeader{id: id, typ: typ}
	t.mu.Unlock()
}

func (t *transport) takeExpectedRaw() *rawHeader {
	t.mu.Lock()
	exp := t.expectedRaw
	t.expectedRaw = nil
	t.mu.Unlock()
	return exp
}

func (t *transport) takeInbound(id uint32) *inboundEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.inbound[id]
	if e != nil {
		delete(t.inbound, id)
	}
	return e
}

// fatal reports a protocol error, closes the transport and tears down the
// socket.
func (t *transport) fatal(err error) error {
	t.opts.onError(err)
	t.Close(err)
	_ = t.conn.Close(CloseNormal, err.Error())
	return err
}

// Ping sends a liveness probe and reports, after pongTimeout, whether any
// traffic arrived since. Any inbound frame counts: the probe forces traffic
// on an otherwise idle but healthy connection.
func (t *transport) Ping(pongTimeout time.Duration, cb func(alive bool)) {
	start := time.Now()
	if err := t.writeText([]byte(controlPing)); err != nil {
		cb(false)
		return
	}
	time.AfterFunc(pongTimeout, func() {
		cb(time.Unix(0, t.lastMessage.Load()).After(start))
	})
}

// TimeSinceLastMessage returns how long the connection has been silent.
func (t *transport) TimeSinceLastMessage() time.Duration {
	return time.Since(time.Unix(0, t.lastMessage.Load()))
}

// Close shuts the transport down: further sends and parses are refused,
// every outbound producer is cancelled with reason and every inbound sink is
// errored with it. Safe to call multiple times.
func (t *transport) Close(reason error) {
	if t.closed.Swap(true) {
		return
	}
	if reason == nil {
		reason = ErrConnectionClosed
	}
	t.cancel(reason)

	t.mu.Lock()
	inbound := t.inbound
	t.inbound = make(map[uint32]*inboundEntry)
	t.outbound = make(map[uint32]context.CancelCauseFunc)
	t.expectedRaw = nil
	t.mu.Unlock()

	for _, e := range inbound {
		e.stream.Fail(reason)
	}
}
