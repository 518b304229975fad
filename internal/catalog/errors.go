package catalog

import "errors"

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("catalog: not found")

// ErrStorageUnavailable wraps I/O and migration failures that the spec
// treats as a hard stop: callers should propagate this, not swallow it.
var ErrStorageUnavailable = errors.New("catalog: storage unavailable")
