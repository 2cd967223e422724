package wsrpc

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c *codec, v any) any {
	t.Helper()

	data, starts, err := c.flatten(v)
	require.NoError(t, err)
	require.Empty(t, starts)

	out, streams, err := c.unflatten(data)
	require.NoError(t, err)
	require.Empty(t, streams)
	return out
}

func TestCodec_RoundTripPrimitives(t *testing.T) {
	c := newCodec(nil)

	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"float", 3.25, 3.25},
		{"int becomes float", 42, 42.0},
		{"negative", -7, -7.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, roundTrip(t, c, tc.in))
		})
	}
}

func TestCodec_RoundTripComposites(t *testing.T) {
	c := newCodec(nil)

	in := map[string]any{
		"list":   []any{1, "two", nil, true},
		"nested": map[string]any{"a": []any{[]any{2.5}}},
		"empty":  []any{},
	}
	want := map[string]any{
		"list":   []any{1.0, "two", nil, true},
		"nested": map[string]any{"a": []any{[]any{2.5}}},
		"empty":  []any{},
	}
	assert.Equal(t, want, roundTrip(t, c, in))
}

func TestCodec_RoundTripBytesAndDate(t *testing.T) {
	c := newCodec(nil)

	b := roundTrip(t, c, []byte{0x01, 0x02, 0xff})
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, b)

	when := time.UnixMilli(1700000000123).UTC()
	assert.Equal(t, when, roundTrip(t, c, when))
}

func TestCodec_SharedReferences(t *testing.T) {
	c := newCodec(nil)

	inner := []any{1, 2}
	out := roundTrip(t, c, []any{inner, inner}).([]any)

	require.Len(t, out, 2)
	first := out[0].([]any)
	second := out[1].([]any)
	assert.Equal(t, reflect.ValueOf(first).Pointer(), reflect.ValueOf(second).Pointer(),
		"shared sub-value should decode to one value referenced twice")

	first[0] = 99.0
	assert.Equal(t, 99.0, second[0])
}

func TestCodec_CyclicMap(t *testing.T) {
	c := newCodec(nil)

	m := map[string]any{"name": "root"}
	m["self"] = m

	out := roundTrip(t, c, m).(map[string]any)
	assert.Equal(t, "root", out["name"])

	self, ok := out["self"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, reflect.ValueOf(out).Pointer(), reflect.ValueOf(self).Pointer())
}

func TestCodec_CyclicSlice(t *testing.T) {
	c := newCodec(nil)

	s := make([]any, 1)
	s[0] = s

	out := roundTrip(t, c, s).([]any)
	inner, ok := out[0].([]any)
	require.True(t, ok)
	assert.Equal(t, reflect.ValueOf(out).Pointer(), reflect.ValueOf(inner).Pointer())
}

type point struct {
	X, Y float64
}

func pointTransform() Transform {
	return Transform{
		Reduce: func(v any) (any, bool) {
			p, ok := v.(point)
			if !ok {
				return nil, false
			}
			return map[string]any{"x": p.X, "y": p.Y}, true
		},
		Revive: func(payload any) (any, error) {
			m := payload.(map[string]any)
			return point{X: m["x"].(float64), Y: m["y"].(float64)}, nil
		},
	}
}

func TestCodec_UserTransform(t *testing.T) {
	c := newCodec(map[string]Transform{"point": pointTransform()})

	in := []any{point{X: 1, Y: 2}, point{X: 3, Y: 4}}
	out := roundTrip(t, c, in).([]any)
	assert.Equal(t, point{X: 1, Y: 2}, out[0])
	assert.Equal(t, point{X: 3, Y: 4}, out[1])
}

func TestCodec_InertTransformDoesNotChangeRoundTrip(t *testing.T) {
	plain := newCodec(nil)
	extended := newCodec(map[string]Transform{
		"never": {
			Reduce: func(v any) (any, bool) { return nil, false },
			Revive: func(payload any) (any, error) { return payload, nil },
		},
	})

	v := map[string]any{"k": []any{1, "x", nil}}
	assert.Equal(t, roundTrip(t, plain, v), roundTrip(t, extended, v))
}

func TestCodec_UnknownTag(t *testing.T) {
	c := newCodec(nil)

	_, _, err := c.unflatten([]byte(`[0,["wat",1],5]`))
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestCodec_UnsupportedValue(t *testing.T) {
	c := newCodec(nil)

	_, _, err := c.flatten(struct{ A int }{A: 1})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestCodec_StreamOutsideTransport(t *testing.T) {
	c := newCodec(nil)

	_, _, err := c.flatten(NewStream(1))
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestCodec_InvalidFrames(t *testing.T) {
	c := newCodec(nil)

	cases := []struct {
		name string
		data string
	}{
		{"not json", "nope"},
		{"empty array", "[]"},
		{"root only", "[0]"},
		{"object", `{"a":1}`},
		{"root out of range", "[9,1]"},
		{"bad root", `["x",1]`},
		{"self-referential tag", `[0,["date",0]]`},
		{"dangling index", `[0,["list",[5]]]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := c.unflatten([]byte(tc.data))
			assert.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestCodec_DecodeRequest(t *testing.T) {
	c := newCodec(nil)

	data, _, err := c.encodeRequest(7, "add", []any{123, 456})
	require.NoError(t, err)

	msg, streams, err := c.decodeMessage(data)
	require.NoError(t, err)
	require.Empty(t, streams)

	req, ok := msg.(*request)
	require.True(t, ok)
	assert.Equal(t, uint64(7), req.ID)
	assert.Equal(t, "add", req.Method)
	assert.Equal(t, []any{123.0, 456.0}, req.Params)
}

func TestCodec_DecodeRequestNoParams(t *testing.T) {
	c := newCodec(nil)

	data, _, err := c.encodeRequest(1, "noop", nil)
	require.NoError(t, err)

	msg, _, err := c.decodeMessage(data)
	require.NoError(t, err)
	req := msg.(*request)
	assert.Empty(t, req.Params)
}

func TestCodec_DecodeResponses(t *testing.T) {
	c := newCodec(nil)

	data, _, err := c.encodeResult(3, 579.0)
	require.NoError(t, err)
	msg, _, err := c.decodeMessage(data)
	require.NoError(t, err)
	resp := msg.(*response)
	assert.Equal(t, uint64(3), resp.ID)
	assert.False(t, resp.HasErr)
	assert.Equal(t, 579.0, resp.Result)

	data, _, err = c.encodeResult(4, nil)
	require.NoError(t, err)
	msg, _, err = c.decodeMessage(data)
	require.NoError(t, err)
	resp = msg.(*response)
	assert.False(t, resp.HasErr)
	assert.Nil(t, resp.Result)

	data, _, err = c.encodeError(5, "boom")
	require.NoError(t, err)
	msg, _, err = c.decodeMessage(data)
	require.NoError(t, err)
	resp = msg.(*response)
	assert.True(t, resp.HasErr)
	assert.Equal(t, "boom", resp.Err)

	data, _, err = c.encodeError(6, true)
	require.NoError(t, err)
	msg, _, err = c.decodeMessage(data)
	require.NoError(t, err)
	resp = msg.(*response)
	assert.True(t, resp.HasErr)
	assert.Equal(t, true, resp.Err)
}

func TestCodec_DecodeMessageRejectsShapelessMaps(t *testing.T) {
	c := newCodec(nil)

	data, _, err := c.flatten(map[string]any{"id": 1.0})
	require.NoError(t, err)
	_, _, err = c.decodeMessage(data)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
