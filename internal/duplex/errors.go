package duplex

import (
	"fmt"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// WireError is the decoded shape of a server ErrorResponse message
// (spec §7: severity, code, message, headers). The duplex package
// cannot depend on the root gelclient package (which depends on
// duplex), so this is the internal representation; the root Client
// translates it into a *gelclient.ServerError at the call boundary.
type WireError struct {
	Severity uint8
	Code     uint32
	Message  string
	Headers  map[uint16][]byte
}

func (e *WireError) Error() string {
	return fmt.Sprintf("server error [severity=%d code=%#x]: %s", e.Severity, e.Code, e.Message)
}

// codeClassTransactionSerialization mirrors the root package's
// ServerErrorCode class constant of the same name (spec §7: "subtypes
// by code class"); duplicated here rather than imported to avoid the
// same root/duplex cycle documented on WireError above.
const codeClassTransactionSerialization = 0x02_01_00_00

// IsSerializationError reports whether this is the retriable
// transaction-serialization error class (spec §4.7's retry policy).
func (e *WireError) IsSerializationError() bool {
	return e.Code&0xFFFF0000 == codeClassTransactionSerialization
}

// parseServerError decodes an ErrorResponse payload: severity: u8,
// code: u32, message: string, then n: u16 headers of (key: u16,
// value: len-prefixed bytes).
func parseServerError(payload []byte) error {
	r := protocol.NewReader(payload)

	severity, err := r.U8()
	if err != nil {
		return &WireError{Message: "malformed ErrorResponse: " + err.Error()}
	}
	code, err := r.U32()
	if err != nil {
		return &WireError{Message: "malformed ErrorResponse: " + err.Error()}
	}
	message, err := r.String()
	if err != nil {
		return &WireError{Message: "malformed ErrorResponse: " + err.Error()}
	}

	headers := map[uint16][]byte{}
	if r.Len() >= 2 {
		n, _ := r.U16()
		for i := uint16(0); i < n && r.Len() > 0; i++ {
			key, err := r.U16()
			if err != nil {
				break
			}
			val, err := r.LenBytes()
			if err != nil {
				break
			}
			headers[key] = val
		}
	}

	return &WireError{Severity: severity, Code: code, Message: message, Headers: headers}
}
