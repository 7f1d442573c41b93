package store

import (
	"context"

	"corestore/pkg/domain"
)

// ChangeType identifies the primary action behind a change signal.
type ChangeType string

// Change signal types emitted after persistence.
const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is the post-commit signal handed to propagators and change
// listeners. Previous is nil on create; Current is the pre-delete value on
// delete.
type Change struct {
	Desc     domain.StoreDescriptor
	Type     ChangeType
	Previous domain.Document
	Current  domain.Document
	User     domain.User
}

// Propagator runs in the detached post-write phase before change listeners
// (reference synchronization registers here). Failures are logged by the
// propagator itself and never affect the committed write.
type Propagator func(ctx context.Context, change Change)

// ChangeListener receives change signals for event fan-out.
type ChangeListener func(ctx context.Context, change Change)
