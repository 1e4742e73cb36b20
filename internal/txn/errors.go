package txn

import "fmt"

// InvalidStateError reports an operation invalid in the connection's
// current state — today, only a nested transaction attempt (spec §4.7:
// "Nested transactions are forbidden; attempting one fails with
// InvalidState"). Defined locally, like internal/query's error types,
// since this package cannot import the root gelclient package that
// will wrap it without creating an import cycle.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("txn: invalid state: %s", e.Reason)
}
