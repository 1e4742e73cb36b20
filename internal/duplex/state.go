// Package duplex implements the Duplexer and Authenticator (spec §4.4,
// §4.5): a single background read loop over one TLS connection, a FIFO
// of one-shot predicate waiters, a static subscriber list, and the
// connection-phase state machine those two protocol stages share with
// the Query Engine.
package duplex

import "fmt"

// Phase is a connection's position in its lifecycle (spec §4.4/§4.6).
type Phase uint8

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	Ready
	InTransaction
	Closed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case InTransaction:
		return "in_transaction"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}
