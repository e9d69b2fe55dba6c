package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"kcopilot/backend/internal/corpus"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

const (
	uniqueViolation    = "23505"
	dataException      = "22000"
	contentHashKeyName = "documents_content_hash_key"
)

// ConflictError reports an insert of content that is already stored.
type ConflictError struct {
	Hash string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document with content hash %s already exists", e.Hash)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool {
	return target == corpus.ErrDuplicateContent
}

func isHashConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (pqErr.Constraint == "" || pqErr.Constraint == contentHashKeyName)
}

// isDimensionError matches pgvector's "expected N dimensions, not M".
func isDimensionError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == dataException && strings.Contains(pqErr.Message, "dimensions")
}
