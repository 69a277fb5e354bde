package store

import "errors"

// ErrNotFound is returned when the requested record does not exist.
// Callers check it with errors.Is to distinguish missing records from
// other database errors.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned by conditional writes when the stored etag no
// longer matches the one the caller read. The caller is expected to
// re-read the record and retry the mutation against the fresh state.
var ErrConflict = errors.New("etag mismatch")
