package query

import "fmt"

// InvalidArgumentError reports an argument map whose keys or types
// could not be encoded against the query's input codec (spec §4.6
// step 4, §7's InvalidArgument). Defined locally rather than as the
// root gelclient.InvalidArgumentError to avoid an import cycle (this
// package cannot import the package that wraps it); the root Client
// translates this at the call boundary.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("query: invalid argument: %s", e.Reason)
}

// CardinalityMismatchError reports that a query's row count violated
// its declared cardinality (spec §4.6 step 6, §7).
type CardinalityMismatchError struct {
	Expected Cardinality
	Actual   int
}

func (e *CardinalityMismatchError) Error() string {
	return fmt.Sprintf("query: result cardinality mismatch: expected %s, got %d row(s)", e.Expected, e.Actual)
}

// ProtocolError reports a malformed or unexpected reply during the
// Prepare/Describe/Execute sequence.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("query: protocol error: %s", e.Reason) }
