// Package codec implements the type-descriptor codec engine: a Codec
// tree keyed by descriptor UUIDs, built from server-sent descriptor
// blobs, that encodes application values to and decodes server payloads
// from the wire's binary representation.
package codec

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// Codec is a bidirectional encoder/decoder for one descriptor. Every
// concrete codec (scalar, Array, Set, Tuple, NamedTuple, Object, Enum)
// implements this.
type Codec interface {
	// DescriptorID returns the descriptor UUID this codec was built for.
	// The zero UUID (uuid.Nil) denotes the null codec.
	DescriptorID() uuid.UUID
	// Encode writes v's wire representation to w. v's dynamic type must
	// match what this codec expects; a mismatch is an *InvalidValueError.
	Encode(w *protocol.Writer, v any) error
	// Decode reads one value of this codec's type from r.
	Decode(r *protocol.Reader) (any, error)
}

// InvalidValueError reports that Encode was handed a value of the wrong
// Go type for its codec.
type InvalidValueError struct {
	Codec string
	Value any
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("codec: %s: cannot encode value of type %T", e.Codec, e.Value)
}
