// Package remote defines the narrow contract to the hosted relational
// store (posts, interactions, follows, notifications) and the Supabase
// adapter implementing it. The store must deduplicate inserts on the
// client-generated idempotency id; the offline queue relies on that to
// make replays safe.
package remote

import (
	"context"
	"errors"
)

// ErrDuplicate reports that the store has already seen a record with
// this idempotency id. Replay paths treat it as success.
var ErrDuplicate = errors.New("remote: duplicate record")

// Record is one row's fields. Inserted records must carry their
// client-generated idempotency id under the "id" key.
type Record map[string]any

// ID returns the record's idempotency id, if present.
func (r Record) ID() (string, bool) {
	id, ok := r["id"].(string)
	return id, ok && id != ""
}

// Filter selects rows by column equality.
type Filter map[string]string

// Store is the remote relational-store contract. Implementations
// classify failures through apperrors so retry predicates can
// pattern-match on the kind.
type Store interface {
	// Insert adds a record to a collection. Returns ErrDuplicate when
	// the record's id was already inserted.
	Insert(ctx context.Context, collection string, record Record) error

	// Select reads rows matching filter into dest (a pointer to a
	// slice of structs or maps).
	Select(ctx context.Context, collection string, filter Filter, dest any) error

	// Update modifies the record with the given id.
	Update(ctx context.Context, collection, id string, fields Record) error

	// Delete removes the record with the given id.
	Delete(ctx context.Context, collection, id string) error
}
