package engine

import "errors"

// Sentinel errors for the routing failures the engine reports back to
// a requester's reply channel. Always wrapped with fmt.Errorf("%w", ...)
// so callers can still errors.Is against the sentinel after the
// message gains request-specific detail.
var (
	ErrDataflowNotFound     = errors.New("dataflow not found")
	ErrUnknownPrepareHandle = errors.New("unknown prepare handle")
	ErrDuplicateDataflow    = errors.New("dataflow already exists")
	ErrNodeNotSubscribed    = errors.New("node not subscribed")
)
