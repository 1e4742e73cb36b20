package dump

import "fmt"

// DatabaseNotEmptyError reports that Restore's precondition check found
// existing non-builtin schema or default-module objects (spec §4.9:
// "fail DatabaseNotEmpty otherwise"). Defined locally, like
// internal/txn's InvalidStateError, since this package cannot import
// the root gelclient package that wraps it.
type DatabaseNotEmptyError struct {
	Count int64
}

func (e *DatabaseNotEmptyError) Error() string {
	return fmt.Sprintf("dump: restore target is not empty: %d object(s) found", e.Count)
}

// ChecksumMismatchError reports a dump block whose trailing SHA-1 does
// not match its payload, either while reading a container (corrupt
// file) or reassembling one (a decoder bug).
type ChecksumMismatchError struct {
	BlockIndex int
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("dump: block %d failed its checksum", e.BlockIndex)
}
