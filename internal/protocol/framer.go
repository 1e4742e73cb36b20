package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxMessageLength guards against a corrupt or hostile length prefix
// causing an unbounded allocation.
const maxMessageLength = 64 << 20

// Message is one decoded wire frame: its type tag and raw payload bytes
// (the payload does not include the tag or the length prefix).
type Message struct {
	Tag     byte
	Payload []byte
}

// ReadMessage reads exactly one frame from r: a 1-byte tag, a 4-byte
// big-endian length (counted from itself, not including the tag), then
// length-4 bytes of payload. Short reads are looped via io.ReadFull until
// satisfied or the stream fails.
func ReadMessage(r io.Reader) (Message, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, err
	}

	tag := head[0]
	length := binary.BigEndian.Uint32(head[1:5])
	if length < 4 {
		return Message{}, fmt.Errorf("protocol: message %s declares length %d (< 4)", MessageName(tag), length)
	}
	if length > maxMessageLength {
		return Message{}, fmt.Errorf("protocol: message %s declares length %d (> %d max)", MessageName(tag), length, maxMessageLength)
	}

	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}

	return Message{Tag: tag, Payload: payload}, nil
}

// WriteMessage writes one frame: the tag byte, the big-endian length
// (len(payload)+4), then the payload. Sync is appended by the caller
// (the Query Engine), never implicitly by the framer.
func WriteMessage(w io.Writer, tag byte, payload []byte) error {
	var head [5]byte
	head[0] = tag
	binary.BigEndian.PutUint32(head[1:5], uint32(len(payload)+4))

	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
