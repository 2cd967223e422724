package wsrpc

import (
	"encoding/json"
)

// Control frames are bare text sentinels, not JSON.
const (
	controlPing = "ping"
	controlPong = "pong"
)

// WebSocket close codes used by the core.
const (
	// CloseNormal is sent on deliberate shutdown.
	CloseNormal = 1000
	// CloseGoingAway is sent by the client when it unilaterally abandons a
	// socket whose liveness ping went unanswered.
	CloseGoingAway = 1001
)

// request is a decoded call request: invoke method with params and answer
// under id.
type request struct {
	ID     uint64
	Method string
	Params []any
}

// response is a decoded call response. Exactly one of Result and Err is
// meaningful; HasErr tells which.
type response struct {
	ID     uint64
	Result any
	Err    any
	HasErr bool
}

// Physical payload types announced by a chunk{type} frame. The announcement
// and the payload that follows it form an atomic two-frame pair.
const (
	rawString = "string"
	rawBinary = "binary"
)

// Stream control verbs carried in the "stream" field of a control object.
const (
	streamCancel = "cancel"
	streamChunk  = "chunk"
	streamDone   = "done"
	streamError  = "error"
)

// streamFrame is the JSON shape of a stream control frame. Data carries the
// flattened encoding of an in-band chunk; Type announces a raw payload frame
// instead.
type streamFrame struct {
	Stream string          `json:"stream"`
	ID     uint32          `json:"id"`
	Data   json.RawMessage `json:"data,omitempty"`
	Type   string          `json:"type,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
}
