package indexstore

import "errors"

var (
	// ErrNotFound is returned when a lookup has no match.
	ErrNotFound = errors.New("indexstore: not found")
	// ErrDuplicateHash is returned by Insert when content_hash already
	// exists, matching the Storage Sink contract's idempotency
	// requirement.
	ErrDuplicateHash = errors.New("indexstore: duplicate content hash")
)
