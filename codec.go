package wsrpc

import (
	"encoding/base64"
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Transform is a reducer/reviver pair for a user type, keyed by tag.
// Reduce inspects a value and, if it owns it, returns a replacement the codec
// can encode (any supported value, typically a primitive or a map). Revive
// turns the decoded replacement back into the user value.
type Transform struct {
	Reduce func(v any) (payload any, ok bool)
	Revive func(payload any) (any, error)
}

// Reserved tags. User transforms may not use these.
const (
	tagList   = "list"
	tagMap    = "map"
	tagBytes  = "bytes"
	tagDate   = "date"
	tagStream = "stream"
)

// codec converts between structured values and flattened text frames.
//
// A frame is a JSON array [root, slot0, slot1, ...] where root indexes into
// the slots and each slot is either an inline primitive or a tagged pair.
// Composite slots reference their children by slot index, so shared and
// cyclic references survive the round trip: a sub-value reachable twice is
// encoded once and pointed at twice.
//
// The stream reducer and reviver are installed by the owning transport; a
// codec without them rejects stream values.
type codec struct {
	transforms map[string]Transform
	tags       []string // stable iteration order for Reduce

	// reduceStream allocates an outbound stream id and returns the deferred
	// producer start. The codec never starts producers itself: the caller
	// launches them after the enclosing frame is on the wire.
	reduceStream func(s *Stream) (id uint32, start func(), err error)
	// reviveStream registers an inbound stream id and returns the sequence
	// bound to it.
	reviveStream func(id uint32) *Stream
}

func newCodec(transforms map[string]Transform) *codec {
	c := &codec{transforms: make(map[string]Transform, len(transforms))}
	for tag, t := range transforms {
		c.transforms[tag] = t
		c.tags = append(c.tags, tag)
	}
	sort.Strings(c.tags)
	return c
}

// refKey identifies a reference-typed sub-value for deduplication. Slices
// sharing a backing array but differing in length are distinct values.
type refKey struct {
	ptr    uintptr
	length int
}

type encodeState struct {
	c      *codec
	slots  []any
	byRef  map[refKey]int
	starts []func()
}

// flatten encodes v into a text frame. The returned starts are the producer
// tasks for any streams reduced during encoding; the caller must run them
// after the frame has been written, so the receiver sees each id before its
// first chunk.
func (c *codec) flatten(v any) ([]byte, []func(), error) {
	s := &encodeState{c: c, byRef: make(map[refKey]int)}
	root, err := s.encode(v)
	if err != nil {
		return nil, nil, err
	}
	frame := make([]any, 0, len(s.slots)+1)
	frame = append(frame, root)
	frame = append(frame, s.slots...)
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal frame")
	}
	return data, s.starts, nil
}

func (s *encodeState) add(slot any) int {
	s.slots = append(s.slots, slot)
	return len(s.slots) - 1
}

func (s *encodeState) encode(v any) (int, error) {
	switch v := v.(type) {
	case nil:
		return s.add(nil), nil
	case bool:
		return s.add(v), nil
	case string:
		return s.add(v), nil
	case float64:
		return s.add(v), nil
	case float32:
		return s.add(float64(v)), nil
	case int:
		return s.add(float64(v)), nil
	case int8:
		return s.add(float64(v)), nil
	case int16:
		return s.add(float64(v)), nil
	case int32:
		return s.add(float64(v)), nil
	case int64:
		return s.add(float64(v)), nil
	case uint:
		return s.add(float64(v)), nil
	case uint8:
		return s.add(float64(v)), nil
	case uint16:
		return s.add(float64(v)), nil
	case uint32:
		return s.add(float64(v)), nil
	case uint64:
		return s.add(float64(v)), nil
	case time.Time:
		idx := s.add(nil)
		p := s.add(float64(v.UnixMilli()))
		s.slots[idx] = []any{tagDate, p}
		return idx, nil
	case []byte:
		idx := s.add(nil)
		p := s.add(base64.StdEncoding.EncodeToString(v))
		s.slots[idx] = []any{tagBytes, p}
		return idx, nil
	case *Stream:
		if s.c.reduceStream == nil {
			return 0, errors.Wrap(ErrUnsupportedValue, "stream outside a transport")
		}
		id, start, err := s.c.reduceStream(v)
		if err != nil {
			return 0, err
		}
		if start != nil {
			s.starts = append(s.starts, start)
		}
		return s.add([]any{tagStream, id}), nil
	case []any:
		return s.encodeList(v)
	case map[string]any:
		return s.encodeMap(v)
	default:
		for _, tag := range s.c.tags {
			payload, ok := s.c.transforms[tag].Reduce(v)
			if !ok {
				continue
			}
			idx := s.add(nil)
			p, err := s.encode(payload)
			if err != nil {
				return 0, err
			}
			s.slots[idx] = []any{tag, p}
			return idx, nil
		}
		return 0, errors.Wrapf(ErrUnsupportedValue, "%T", v)
	}
}

func (s *encodeState) encodeList(v []any) (int, error) {
	var key refKey
	if len(v) > 0 {
		key = refKey{ptr: reflect.ValueOf(v).Pointer(), length: len(v)}
		if idx, ok := s.byRef[key]; ok {
			return idx, nil
		}
	}
	idx := s.add(nil)
	if len(v) > 0 {
		s.byRef[key] = idx
	}
	indices := make([]any, len(v))
	for i, elem := range v {
		p, err := s.encode(elem)
		if err != nil {
			return 0, err
		}
		indices[i] = p
	}
	s.slots[idx] = []any{tagList, indices}
	return idx, nil
}

func (s *encodeState) encodeMap(v map[string]any) (int, error) {
	var key refKey
	if v != nil {
		key = refKey{ptr: reflect.ValueOf(v).Pointer(), length: -1}
		if idx, ok := s.byRef[key]; ok {
			return idx, nil
		}
	}
	idx := s.add(nil)
	if v != nil {
		s.byRef[key] = idx
	}
	indices := make(map[string]any, len(v))
	for k, elem := range v {
		p, err := s.encode(elem)
		if err != nil {
			return 0, err
		}
		indices[k] = p
	}
	s.slots[idx] = []any{tagMap, indices}
	return idx, nil
}

const (
	slotUnset = iota
	slotBusy
	slotDone
)

type decodeState struct {
	c       *codec
	slots   []any
	decoded []any
	state   []int8
	streams []*Stream
}

// unflatten decodes a text frame back into a value. It also returns the
// inbound streams revived while decoding, so a caller discarding the value
// can cancel them instead of leaking them.
func (c *codec) unflatten(data []byte) (any, []*Stream, error) {
	var frame []any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	if len(frame) < 2 {
		return nil, nil, errors.Wrap(ErrInvalidFrame, "frame too short")
	}
	root, ok := frame[0].(float64)
	if !ok {
		return nil, nil, errors.Wrap(ErrInvalidFrame, "root index not a number")
	}
	d := &decodeState{
		c:       c,
		slots:   frame[1:],
		decoded: make([]any, len(frame)-1),
		state:   make([]int8, len(frame)-1),
	}
	v, err := d.resolve(int(root))
	if err != nil {
		return nil, d.streams, err
	}
	return v, d.streams, nil
}

func (d *decodeState) resolve(i int) (any, error) {
	if i < 0 || i >= len(d.slots) {
		return nil, errors.Wrapf(ErrInvalidFrame, "slot index %d out of range", i)
	}
	if d.state[i] == slotDone {
		return d.decoded[i], nil
	}
	if d.state[i] == slotBusy {
		return nil, errors.Wrapf(ErrInvalidFrame, "slot %d references itself", i)
	}

	switch raw := d.slots[i].(type) {
	case nil, bool, float64, string:
		d.decoded[i] = raw
		d.state[i] = slotDone
		return raw, nil
	case []any:
		return d.resolveTagged(i, raw)
	default:
		return nil, errors.Wrapf(ErrInvalidFrame, "slot %d has invalid shape", i)
	}
}

func (d *decodeState) resolveTagged(i int, raw []any) (any, error) {
	if len(raw) != 2 {
		return nil, errors.Wrapf(ErrInvalidFrame, "tagged slot %d malformed", i)
	}
	tag, ok := raw[0].(string)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidFrame, "tagged slot %d malformed", i)
	}

	switch tag {
	case tagList:
		indices, ok := raw[1].([]any)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidFrame, "list slot %d malformed", i)
		}
		// Publish the (empty) value before filling so cycles resolve to it.
		list := make([]any, len(indices))
		d.decoded[i] = list
		d.state[i] = slotDone
		for j, idx := range indices {
			f, ok := idx.(float64)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidFrame, "list slot %d malformed", i)
			}
			elem, err := d.resolve(int(f))
			if err != nil {
				return nil, err
			}
			list[j] = elem
		}
		return list, nil

	case tagMap:
		indices, ok := raw[1].(map[string]any)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidFrame, "map slot %d malformed", i)
		}
		m := make(map[string]any, len(indices))
		d.decoded[i] = m
		d.state[i] = slotDone
		for k, idx := range indices {
			f, ok := idx.(float64)
			if !ok {
				return nil, errors.Wrapf(ErrInvalidFrame, "map slot %d malformed", i)
			}
			elem, err := d.resolve(int(f))
			if err != nil {
				return nil, err
			}
			m[k] = elem
		}
		return m, nil

	case tagStream:
		id, ok := raw[1].(float64)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidFrame, "stream slot %d malformed", i)
		}
		if d.c.reviveStream == nil {
			return nil, errors.Wrap(ErrInvalidFrame, "stream outside a transport")
		}
		s := d.c.reviveStream(uint32(id))
		d.decoded[i] = s
		d.state[i] = slotDone
		d.streams = append(d.streams, s)
		return s, nil

	default:
		return d.resolvePayload(i, tag, raw[1])
	}
}

// resolvePayload handles the tags whose second element is a payload index:
// bytes, date and user transforms.
func (d *decodeState) resolvePayload(i int, tag string, rawIdx any) (any, error) {
	f, ok := rawIdx.(float64)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidFrame, "tagged slot %d malformed", i)
	}
	d.state[i] = slotBusy
	payload, err := d.resolve(int(f))
	if err != nil {
		return nil, err
	}

	var v any
	switch tag {
	case tagBytes:
		s, ok := payload.(string)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidFrame, "bytes slot %d payload not a string", i)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFrame, err.Error())
		}
		v = b
	case tagDate:
		ms, ok := payload.(float64)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidFrame, "date slot %d payload not a number", i)
		}
		v = time.UnixMilli(int64(ms)).UTC()
	default:
		t, ok := d.c.transforms[tag]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownTag, "%q", tag)
		}
		v, err = t.Revive(payload)
		if err != nil {
			return nil, err
		}
	}

	d.decoded[i] = v
	d.state[i] = slotDone
	return v, nil
}

// Message encoding. Requests and responses ride the flattened encoding as
// plain maps; field presence tells the two apart on decode.

func (c *codec) encodeRequest(id uint64, method string, params []any) ([]byte, []func(), error) {
	if params == nil {
		params = []any{}
	}
	return c.flatten(map[string]any{
		"id":     float64(id),
		"method": method,
		"params": params,
	})
}

func (c *codec) encodeResult(id uint64, result any) ([]byte, []func(), error) {
	return c.flatten(map[string]any{
		"id":     float64(id),
		"result": result,
	})
}

// encodeError encodes a response carrying an error. errVal is either a
// message string safe for the caller or the bare value true.
func (c *codec) encodeError(id uint64, errVal any) ([]byte, []func(), error) {
	return c.flatten(map[string]any{
		"id":    float64(id),
		"error": errVal,
	})
}

// decodeMessage decodes a frame into *request or *response.
func (c *codec) decodeMessage(data []byte) (any, []*Stream, error) {
	v, streams, err := c.unflatten(data)
	if err != nil {
		return nil, streams, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, streams, errors.Wrap(ErrInvalidFrame, "message is not a map")
	}
	idf, ok := m["id"].(float64)
	if !ok {
		return nil, streams, errors.Wrap(ErrInvalidFrame, "message has no id")
	}
	id := uint64(idf)

	if method, ok := m["method"].(string); ok {
		params, _ := m["params"].([]any)
		return &request{ID: id, Method: method, Params: params}, streams, nil
	}
	if e, ok := m["error"]; ok {
		return &response{ID: id, Err: e, HasErr: true}, streams, nil
	}
	if _, ok := m["result"]; ok {
		return &response{ID: id, Result: m["result"]}, streams, nil
	}
	return nil, streams, errors.Wrap(ErrInvalidFrame, "message is neither request nor response")
}
