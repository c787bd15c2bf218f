// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// ErrUnknownType is the cause of errors decoding a message whose type isn't known.
var ErrUnknownType = errors.New("unknown message type")

// messages creates an empty message for each known type.
var messages = map[string]func() Message{}

func register(newMessage func() Message) {
	messages[newMessage().Name()] = newMessage
}

func init() {
	register(func() Message { return &Authenticate{} })
	register(func() Message { return &AuthResult{} })
	register(func() Message { return &RegisterHost{} })
	register(func() Message { return &RegisterController{} })
	register(func() Message { return &Registered{} })
	register(func() Message { return &Connected{} })
	register(func() Message { return &FrameData{} })
	register(func() Message { return &Frame{} })
	register(func() Message { return &InputEvent{} })
	register(func() Message { return &InputResult{} })
	register(func() Message { return &HostDisconnected{} })
	register(func() Message { return &ControllerDisconnected{} })
	register(func() Message { return &HostReplaced{} })
	register(func() Message { return &Subscribe{} })
	register(func() Message { return &Unsubscribe{} })
	register(func() Message { return &Subscribed{} })
	register(func() Message { return &RequestScreenshot{} })
	register(func() Message { return &Ping{} })
	register(func() Message { return &Pong{} })
	register(func() Message { return &MOTD{} })
	register(func() Message { return &Error{} })
}

// Decode parses one JSON object into the message named by its "type".
// The returned Message is always a pointer to one of this package's message types.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "Decode message")
	}
	if envelope.Type == "" {
		return nil, errors.New(`Message has no "type"`)
	}

	newMessage, ok := messages[envelope.Type]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", envelope.Type)
	}
	msg := newMessage()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrapf(err, "Decode %s message", envelope.Type)
	}
	return msg, nil
}

// Encode serializes msg as a JSON object, adding its "type".
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "Encode %s message", msg.Name())
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, errors.Errorf("Encode %s message: not a JSON object", msg.Name())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(msg.Name()) + 12)
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Quote(msg.Name()))
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}
