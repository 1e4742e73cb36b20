package query

// Cardinality declares the bound a query places on its own row count
// (spec §4.6 step 6). Defined here, rather than in the root gelclient
// package, so the Query Engine can use it without an import cycle back
// to the package that wraps it; the root package re-exports it as a
// type alias.
type Cardinality uint8

const (
	// NoResult expects the query to return no rows (a command, e.g. DDL).
	NoResult Cardinality = iota
	// AtMostOne expects zero or one row.
	AtMostOne
	// One expects exactly one row.
	One
	// Many expects zero or more rows.
	Many
)

func (c Cardinality) String() string {
	switch c {
	case NoResult:
		return "NoResult"
	case AtMostOne:
		return "AtMostOne"
	case One:
		return "One"
	case Many:
		return "Many"
	default:
		return "Unknown"
	}
}

// OutputFormat selects how the server encodes result rows.
type OutputFormat uint8

const (
	// FormatBinary is this client's native, fully-typed wire format.
	FormatBinary OutputFormat = iota
	// FormatJSON returns the whole result set as one JSON document.
	FormatJSON
	// FormatJSONElements returns each row pre-encoded as a JSON string.
	FormatJSONElements
)

// Capabilities is a bitmask of operation classes a query is allowed to
// use, sent to the server in Prepare so it can reject e.g. DDL from a
// read-only session.
type Capabilities uint64

const (
	CapabilityModifications Capabilities = 1 << iota
	CapabilityDDL
	CapabilityTransaction
	CapabilitySessionConfig
	CapabilityPersistentConfig
)

// CapabilitiesAll permits every operation class. A Request that leaves
// Capabilities unset sends 0.
const CapabilitiesAll Capabilities = CapabilityModifications | CapabilityDDL |
	CapabilityTransaction | CapabilitySessionConfig | CapabilityPersistentConfig
