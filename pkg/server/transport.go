// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeTimeout = 10 * time.Second

// Read limits. A connection may only send small messages until it authenticates.
const (
	unauthenticatedReadLimit = 4096
	DefaultMaxMessageSize    = 16 << 20
)

// errMessageTooLarge is returned by a stream transport reading a message over its limit.
var errMessageTooLarge = errors.New("message too large")

// A transport carries whole JSON messages to and from a client.
type transport interface {
	// ReadMessage reads one message.
	// It returns an error once the transport is closed.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error

	// SetReadLimit bounds the size of messages read from now on.
	// A larger message fails ReadMessage, and the transport can't be read from again.
	SetReadLimit(limit int64)

	Close() error
	Kind() string
}

// streamTransport carries newline delimited JSON over a net.Conn.
type streamTransport struct {
	conn  net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	limit int64
}

func newStreamTransport(conn net.Conn) *streamTransport {
	return &streamTransport{
		conn:  conn,
		r:     bufio.NewReader(conn),
		w:     bufio.NewWriter(conn),
		limit: DefaultMaxMessageSize,
	}
}

// ReadMessage reads the next non-blank line.
// It stops reading as soon as the line grows past the limit.
func (t *streamTransport) ReadMessage() ([]byte, error) {
	var line []byte
	for {
		chunk, err := t.r.ReadSlice('\n')
		if int64(len(line)+len(chunk)) > t.limit {
			return nil, errMessageTooLarge
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			return line, nil
		}
	}
}

func (t *streamTransport) SetReadLimit(limit int64) {
	t.limit = limit
}

func (t *streamTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

func (t *streamTransport) Kind() string {
	return "tcp"
}

// wsTransport carries one JSON message per WebSocket text message.
type wsTransport struct {
	conn *websocket.Conn

	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) SetReadLimit(limit int64) {
	t.conn.SetReadLimit(limit)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) Kind() string {
	return "websocket"
}
