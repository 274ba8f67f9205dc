// Package snaperr defines the closed error taxonomy the snapshot engine
// surfaces to its callers and, ultimately, to JSON-RPC error envelopes.
package snaperr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the engine ever returns.
type Kind int

const (
	// Internal covers bugs and unexpected states not otherwise classified.
	Internal Kind = iota
	// NotInitialized means a project has no .gencodedoc store yet.
	NotInitialized
	// SnapshotNotFound means a snapshot id/tag does not resolve.
	SnapshotNotFound
	// FileNotInSnapshot means a path was not tracked by the given snapshot.
	FileNotInSnapshot
	// ContentMissing means a blob referenced by metadata is absent on disk.
	ContentMissing
	// NoChanges means create_snapshot found nothing different to record.
	NoChanges
	// DuplicateTag means a tag is already in use.
	DuplicateTag
	// PathConflict means a restore target collides with an existing path.
	PathConflict
	// IOFault covers filesystem or database errors outside the engine's control.
	IOFault
	// Invalid means a request's arguments failed validation.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "not_initialized"
	case SnapshotNotFound:
		return "snapshot_not_found"
	case FileNotInSnapshot:
		return "file_not_in_snapshot"
	case ContentMissing:
		return "content_missing"
	case NoChanges:
		return "no_changes"
	case DuplicateTag:
		return "duplicate_tag"
	case PathConflict:
		return "path_conflict"
	case IOFault:
		return "io_fault"
	case Invalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Error is the engine's error type: a Kind plus a message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries cause as its Unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// otherwise returns Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
