// Package dedup fingerprints raw document content and decides whether a
// document still needs to be ingested.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint returns the lowercase hex SHA-256 of raw.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type HashLookup interface {
	ExistsByHash(ctx context.Context, hash string) (bool, error)
}

type Deduplicator struct {
	store HashLookup
}

func New(store HashLookup) *Deduplicator {
	return &Deduplicator{store: store}
}

// ShouldIngest reports whether no document with this hash is stored yet.
// It is only a fast path: two concurrent ingests of the same content can
// both see false here, and the store's unique constraint settles the race.
func (d *Deduplicator) ShouldIngest(ctx context.Context, hash string) (bool, error) {
	exists, err := d.store.ExistsByHash(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("lookup content hash: %w", err)
	}
	return !exists, nil
}
