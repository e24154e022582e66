// Package store provides keyed repositories with per-key exclusive
// updates. Components keep their entities behind a Repository so that a
// state transition on one entity is atomic with respect to every other
// caller touching that entity.
package store

import (
	"context"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// Repository is a keyed collection of T.
//
// Get and List return copies; mutating them has no effect on the stored
// value. Update runs fn on a copy under the key's exclusive scope and
// commits the copy only when fn returns nil.
type Repository[T any] interface {
	// Create stores v under key, failing with ALREADY_EXISTS if present.
	Create(ctx context.Context, key string, v T) error
	// Get returns the value under key, or NOT_FOUND.
	Get(ctx context.Context, key string) (T, error)
	// Update applies fn and returns the committed value.
	Update(ctx context.Context, key string, fn func(*T) error) (T, error)
	// Delete removes key after guard approves the current value. A nil
	// guard always approves.
	Delete(ctx context.Context, key string, guard func(T) error) error
	// List returns every value ordered by key.
	List(ctx context.Context) ([]T, error)
}

// Cloner is implemented by entities the memory backend stores.
type Cloner[T any] interface {
	Clone() T
}

func notFound(collection, key string) error {
	return types.Errorf(types.ErrNotFound, "%s %q not found", collection, key)
}

func alreadyExists(collection, key string) error {
	return types.Errorf(types.ErrAlreadyExists, "%s %q already exists", collection, key)
}
