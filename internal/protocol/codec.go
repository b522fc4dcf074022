package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// DefaultMaxMessageBytes caps a single frame on socket transports.
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// ErrMessageTooLarge is returned by Send for a message over the size limit.
// Nothing is written, so the stream stays usable.
var ErrMessageTooLarge = errors.New("streaming message too large")

// Stream is one side of the bidirectional event stream.
// Send may be called from a single goroutine at a time; Recv likewise.
type Stream interface {
	Send(msg *StreamingMessage) error
	Recv() (*StreamingMessage, error)
	CloseSend() error
}

// Codec frames StreamingMessages over a connection using a 4-byte
// big-endian length prefix followed by the JSON encoding of the message.
type Codec struct {
	conn     net.Conn
	maxBytes uint32
	wmu      sync.Mutex
}

// NewCodec creates a codec wrapping the given connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn, maxBytes: DefaultMaxMessageBytes}
}

// WithMaxMessageBytes overrides the frame size limit. Non-positive values
// keep the default.
func (c *Codec) WithMaxMessageBytes(n int) *Codec {
	if n > 0 {
		c.maxBytes = uint32(n)
	}
	return c
}

// Send marshals msg and writes it as a single length-prefixed frame.
func (c *Codec) Send(msg *StreamingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal streaming message: %w", err)
	}
	if uint32(len(data)) > c.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(buf)
	return err
}

// Recv reads one length-prefixed frame from the connection.
func (c *Codec) Recv() (*StreamingMessage, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > c.maxBytes {
		return nil, fmt.Errorf("streaming message too large: %d bytes", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}

	msg := &StreamingMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal streaming message: %w", err)
	}
	return msg, nil
}

// CloseSend closes the underlying connection.
func (c *Codec) CloseSend() error {
	return c.conn.Close()
}
