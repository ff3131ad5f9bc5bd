package cdnupload

import "fmt"

// SourceError is returned when walking or hashing the source tree fails.
// Source failures always abort the run.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source error: %s", e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DestinationError is returned when listing, uploading to, or deleting from
// a destination fails. Key is empty for listing failures.
type DestinationError struct {
	Key string
	Err error
}

func (e *DestinationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("destination error: %s", e.Err)
	}
	return fmt.Sprintf("destination error on key %q: %s", e.Key, e.Err)
}

func (e *DestinationError) Unwrap() error { return e.Err }

// DeleteAllKeysError is returned when a delete would remove every key at the
// destination and Force is not set. No deletions are performed.
type DeleteAllKeysError struct {
	NumKeys int
}

func (e *DeleteAllKeysError) Error() string {
	return fmt.Sprintf("delete would remove all %d destination keys, use force to override", e.NumKeys)
}
