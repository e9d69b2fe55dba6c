package corpus

import "errors"

var (
	// ErrDuplicateContent means a document with the same content hash is
	// already stored.
	ErrDuplicateContent = errors.New("duplicate content")

	ErrStoreTransaction = errors.New("store transaction failed")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrNotFound         = errors.New("not found")
)
