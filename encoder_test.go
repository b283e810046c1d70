package relq

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_Roundtrip(t *testing.T) {
	enc := &JSONEncoder{}
	type P struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	in := P{A: 42, B: "x"}
	data, err := enc.Encode(in)
	require.NoError(t, err, "encode should not error")

	var out P
	require.NoError(t, enc.Decode(data, &out), "decode should not error")
	assert.Equal(t, in, out, "roundtrip mismatch")
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	enc := &JSONEncoder{}
	var out struct{ A int }
	err := enc.Decode([]byte("{"), &out)
	require.Error(t, err, "expected error for invalid JSON")
}

func TestEncodePayload_RawBytesPassThrough(t *testing.T) {
	enc := &JSONEncoder{}

	got, err := encodePayload(enc, []byte(`{"raw":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"raw":true}`, string(got))

	got, err = encodePayload(enc, json.RawMessage(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(got))

	got, err = encodePayload(enc, map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	got, err = encodePayload(enc, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeJob_DropsLockDeadline(t *testing.T) {
	enc := &JSONEncoder{}
	in := &Job{ID: "j1", Type: "t", Queue: "q", Payload: []byte("x"), Attempt: 2, LockDeadline: 99}
	raw, err := enc.Encode(in)
	require.NoError(t, err)

	out, err := decodeJob(enc, raw)
	require.NoError(t, err)
	assert.Equal(t, "j1", out.ID)
	assert.Equal(t, 2, out.Attempt)
	assert.Zero(t, out.LockDeadline, "lock deadline is session-local")
}
