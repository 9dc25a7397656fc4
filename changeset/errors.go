package changeset

import "github.com/pkg/errors"

// Sentinel errors for the changeset engine. Callers match them with
// errors.Is; call sites add context via errors.Wrap.
var (
	// ErrSchemaMismatch indicates a changeset whose recorded schema
	// generation is incompatible with the target connection. Callers that
	// intentionally inspect historical changesets can pass
	// DisableSchemaCheck to skip the check.
	ErrSchemaMismatch = errors.New("changeset schema generation mismatch")

	// ErrCorruptChangeset indicates a violation of the binary changeset
	// grammar. Fatal for the offending source.
	ErrCorruptChangeset = errors.New("corrupt changeset")

	// ErrInvalidOperationSequence indicates an operation pair the squash
	// algebra marks invalid (e.g. insert after insert). The offending row is
	// dropped with a warning; the error value is used for diagnostics and
	// for schema-mapping invariant violations.
	ErrInvalidOperationSequence = errors.New("invalid operation sequence")

	// ErrIO indicates a file-system failure opening or writing a changeset.
	ErrIO = errors.New("changeset io failure")
)
