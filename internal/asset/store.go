package asset

import "context"

// Store is the on-device metadata store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the asset or ErrNotFound.
	Get(ctx context.Context, ref Ref) (*Asset, error)
	// FindByName looks an asset up by its normalized name within a partition.
	FindByName(ctx context.Context, partition int, name string) (*Asset, error)
	// List returns all assets of a partition ordered by id.
	List(ctx context.Context, partition int) ([]*Asset, error)
	// Register inserts a new asset, assigning the next id in its partition.
	// An id is never handed out twice, even after its record is deleted,
	// since the archive may still file bytes under it. The returned copy carries the id. Duplicate names yield ErrDuplicateName.
	Register(ctx context.Context, a *Asset) (*Asset, error)
	// Update overwrites every mutable field of an existing asset.
	Update(ctx context.Context, a *Asset) error
	// UpdateResidency persists only the residency field.
	UpdateResidency(ctx context.Context, ref Ref, r Residency) error
	// Delete removes the record. Deleting a missing asset yields ErrNotFound.
	Delete(ctx context.Context, ref Ref) error
}
