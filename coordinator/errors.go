package coordinator

import "errors"

var (
	// ErrStoreUnavailable reports a collaborator I/O failure on read or
	// write. No state was changed; the whole operation is safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnknownEvent reports an event identifier the ordering oracle
	// cannot resolve. No state was changed. OrderingOracle implementations
	// must wrap this sentinel for unresolvable identifiers.
	ErrUnknownEvent = errors.New("unknown event")
)
