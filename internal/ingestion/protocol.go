package ingestion

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
)

// MessageType discriminates the kind of payload in the wire protocol.
type MessageType byte

const (
	// MsgTrace carries one root Call Record.
	MsgTrace MessageType = 0x01
	// MsgBatch carries a JSON array of root Call Records.
	MsgBatch MessageType = 0x04
)

// Acknowledgement bytes written after every message.
const (
	AckOK       byte = 0x00
	AckRejected byte = 0x01
)

// ErrMessageTooLarge is returned by ReadMessage when the length prefix
// exceeds the configured maximum. The stream cannot be resynchronized
// after it.
var ErrMessageTooLarge = errors.New("message too large")

// ErrRejected is returned by socket clients when the daemon answers
// AckRejected.
var ErrRejected = errors.New("daemon rejected message")

// WriteMessage writes one framed message:
//
//	[1 byte type][4 bytes length (big-endian)][payload JSON]
func WriteMessage(w io.Writer, t MessageType, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	header := make([]byte, 5)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing message payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message. io.EOF is returned unwrapped
// when the stream ends cleanly between messages.
func ReadMessage(r io.Reader, maxSize int64) (MessageType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return 0, nil, err
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return 0, nil, fmt.Errorf("reading message length: %w", err)
	}
	t := MessageType(header[0])
	size := binary.BigEndian.Uint32(header[1:])
	if maxSize > 0 && int64(size) > maxSize {
		return t, nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return t, nil, fmt.Errorf("reading message payload: %w", err)
	}
	return t, payload, nil
}

// socketNetwork picks the network for ListenAddr: unix sockets
// everywhere except Windows.
func socketNetwork() string {
	if runtime.GOOS == "windows" {
		return "tcp"
	}
	return "unix"
}
