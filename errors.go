package wsrpc

import (
	"errors"
	"fmt"
)

// Protocol errors. Any of these observed while parsing inbound frames is
// fatal for the transport: the socket is closed and, on the client side,
// the connect loop takes over.
var (
	// ErrInvalidFrame is returned when an inbound frame is not valid JSON,
	// is neither an array nor a stream control object, or carries an
	// unknown stream control tag.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrUnknownTag is returned when decoding encounters a tag with no
	// registered reviver.
	ErrUnknownTag = errors.New("unknown tag")
	// ErrUnknownStream is returned when a stream control frame references
	// an id that is not registered.
	ErrUnknownStream = errors.New("unknown stream id")
	// ErrUnexpectedRaw is returned when a raw payload frame arrives without
	// a preceding chunk announcement, or with the wrong physical type.
	ErrUnexpectedRaw = errors.New("unexpected raw frame")
)

// ErrUnsupportedValue is returned when encoding encounters a value the codec
// cannot represent. Inside a stream producer it terminates only that stream,
// not the transport.
var ErrUnsupportedValue = errors.New("unsupported value")

// ErrConnectionClosed is the singleton used to reject pending calls and error
// inbound streams when their transport dies. Subscribers match it by identity
// (errors.Is) to trigger resubscription.
var ErrConnectionClosed = errors.New("connection closed")

// ErrClientClosed is returned by operations on a client whose connect loop
// has exited.
var ErrClientClosed = errors.New("client closed")

// ErrStreamCancelled is the default reason recorded when a stream consumer
// cancels without providing one.
var ErrStreamCancelled = errors.New("stream cancelled")

// RemoteError is an error reported by the remote peer, either as a call
// response or as a stream error frame. The message is exactly what came over
// the wire.
type RemoteError struct {
	msg string
}

func (e *RemoteError) Error() string {
	return e.msg
}

// errRequestFailed is surfaced when the remote handler failed with an error
// the server chose not to disclose.
var errRequestFailed = &RemoteError{msg: "request failed"}

// ClientError is a handler error whose message is safe to surface to the
// remote caller. Any other error returned by a handler is reported to the
// server's error sink and reaches the caller only as a generic failure.
type ClientError struct {
	msg string
}

// NewClientError creates a ClientError with the given message.
func NewClientError(msg string) *ClientError {
	return &ClientError{msg: msg}
}

// NewClientErrorf creates a ClientError with a formatted message.
func NewClientErrorf(format string, args ...any) *ClientError {
	return &ClientError{msg: fmt.Sprintf(format, args...)}
}

func (e *ClientError) Error() string {
	return e.msg
}
