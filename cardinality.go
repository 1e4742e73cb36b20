package gelclient

import "github.com/jeelkantaria/gelclient/internal/query"

// Cardinality, OutputFormat, and Capabilities are defined canonically in
// internal/query (the Query Engine needs them without importing this
// package back); these are the public aliases applications use.
type (
	Cardinality  = query.Cardinality
	OutputFormat = query.OutputFormat
	Capabilities = query.Capabilities
)

const (
	NoResult  = query.NoResult
	AtMostOne = query.AtMostOne
	One       = query.One
	Many      = query.Many

	FormatBinary        = query.FormatBinary
	FormatJSON          = query.FormatJSON
	FormatJSONElements  = query.FormatJSONElements

	CapabilityModifications   = query.CapabilityModifications
	CapabilityDDL             = query.CapabilityDDL
	CapabilityTransaction     = query.CapabilityTransaction
	CapabilitySessionConfig   = query.CapabilitySessionConfig
	CapabilityPersistentConfig = query.CapabilityPersistentConfig
	CapabilitiesAll           = query.CapabilitiesAll
)
