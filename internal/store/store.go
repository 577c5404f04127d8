// Package store persists the engine's fixed-size records. PostgreSQL is
// the source of truth; Redis provides an optional read-through cache; the
// in-memory backend serves tests and development.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// RecordStore is the persistence interface for position and market records.
//
// Records are opaque fixed-size byte slices keyed by string. CreateIfAbsent
// implements lazy record creation: it returns the existing record, or a
// zero-filled one of the given size, with created reporting which happened.
type RecordStore interface {
	// Load returns the record for key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// CreateIfAbsent returns the existing record or creates a zero-filled
	// record of size bytes. Idempotent.
	CreateIfAbsent(ctx context.Context, key string, size int) (data []byte, created bool, err error)

	// Store overwrites the record for key.
	Store(ctx context.Context, key string, data []byte) error

	// StoreAll overwrites several records as one atomic unit: either
	// every record persists or none does.
	StoreAll(ctx context.Context, records map[string][]byte) error
}
