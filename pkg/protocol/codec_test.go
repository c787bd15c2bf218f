package protocol

import (
	"encoding/json"
	"testing"

	"github.com/n0ot/deskrelay/pkg/input"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_AddsType(t *testing.T) {
	data, err := Encode(Registered{Role: RoleHost, SessionID: "abc123"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"registered","role":"host","session_id":"abc123"}`, string(data))

	data, err = Encode(Connected{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected"}`, string(data))

	data, err = Encode(&Subscribe{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe"}`, string(data))
}

func TestDecode_FramePayloadUnchanged(t *testing.T) {
	// Payloads are never base64 decoded, so padding and alphabet don't matter.
	for _, payload := range []string{"Zm9v", "Zm9", "-_8", "not base64 at all"} {
		msg, err := Decode([]byte(`{"type":"frame_data","session_id":"abc123","payload":"` + payload + `"}`))
		require.NoError(t, err, payload)

		frame, ok := msg.(*FrameData)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "abc123", frame.SessionID)
		assert.Equal(t, Payload(payload), frame.Payload)

		data, err := Encode(Frame{SessionID: frame.SessionID, Payload: frame.Payload})
		require.NoError(t, err)
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, payload, out["payload"])
	}
}

func TestDecode_InputEvent(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"input_event","session_id":"abc123","kind":"mouse_move","x":120,"y":80}`))
	require.NoError(t, err)

	ev, ok := msg.(*InputEvent)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "abc123", ev.SessionID)
	assert.Equal(t, input.Event{Kind: input.MouseMove, X: 120, Y: 80}, ev.Event)

	data, err := Encode(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_event","session_id":"abc123","kind":"mouse_move","x":120,"y":80}`, string(data))
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"session_id":"abc"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"teleport"}`))
	assert.Equal(t, ErrUnknownType, errors.Cause(err))

	_, err = Decode([]byte(`{"type":"frame_data","payload":123}`))
	assert.Error(t, err, "payload must be a string")

	_, err = Decode([]byte(`{"type":"input_event","kind":"mouse_move","x":"abc"}`))
	assert.Error(t, err)
	assert.NotEqual(t, ErrUnknownType, errors.Cause(err))
}

func TestDecode_EveryRegisteredType(t *testing.T) {
	for name := range messages {
		msg, err := Decode([]byte(`{"type":"` + name + `"}`))
		require.NoError(t, err, name)
		assert.Equal(t, name, msg.Name())
	}
}
