package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ErrStoreNotFound is returned when no descriptor exists for the requested
// store name, or the requesting user may not see it.
type ErrStoreNotFound struct {
	Store string
}

func (e ErrStoreNotFound) Error() string {
	return fmt.Sprintf("store %q not found", e.Store)
}

// ErrNotFound is returned when a document lookup matches nothing.
type ErrNotFound struct {
	Store string
	ID    string
}

func (e ErrNotFound) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: item not found", e.Store)
	}
	return fmt.Sprintf("%s: item %q not found", e.Store, e.ID)
}

// ErrUnauthorized is returned when the access engine denies an operation at
// store, property, or action level.
type ErrUnauthorized struct {
	Store string
	// Prop is set when the denial is property-level.
	Prop string
	// Perm is the permission character that was required.
	Perm byte
}

func (e ErrUnauthorized) Error() string {
	if e.Prop != "" {
		return fmt.Sprintf("%s: unauthorized (%c) on property %q", e.Store, e.Perm, e.Prop)
	}
	return fmt.Sprintf("%s: unauthorized (%c)", e.Store, e.Perm)
}

// ValidationIssue is one failed rule for one property.
type ValidationIssue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError aggregates per-property validation failures. A non-empty
// map aborts the write before persistence.
type ValidationError struct {
	Store  string
	Issues map[string][]ValidationIssue
}

func (e ValidationError) Error() string {
	props := make([]string, 0, len(e.Issues))
	for p := range e.Issues {
		props = append(props, p)
	}
	sort.Strings(props)
	return fmt.Sprintf("%s: validation failed for %s", e.Store, strings.Join(props, ", "))
}

// ErrVersionConflict is returned when a version-gated replace finds a stored
// version that no longer matches the caller's expectation.
type ErrVersionConflict struct {
	Store    string
	ID       string
	Expected int64
}

func (e ErrVersionConflict) Error() string {
	return fmt.Sprintf("%s: version conflict on %q (expected __v=%d)", e.Store, e.ID, e.Expected)
}

// ErrAlreadyExists is returned when an insert collides with an existing id.
type ErrAlreadyExists struct {
	Store string
	ID    string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s: item %q already exists", e.Store, e.ID)
}

// HookError wraps a failure or veto raised by a lifecycle hook. Pre-write
// hooks abort the operation; post-write hook failures are logged only.
type HookError struct {
	Store string
	Hook  HookName
	Err   error
}

func (e HookError) Error() string {
	return fmt.Sprintf("%s: hook %s failed: %v", e.Store, e.Hook, e.Err)
}

func (e HookError) Unwrap() error { return e.Err }

// SyncError wraps a post-commit propagation failure (reference sync or event
// fan-out). Logged, never retried, never surfaced to the writer.
type SyncError struct {
	Store string
	Phase string
	Err   error
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Store, e.Phase, e.Err)
}

func (e SyncError) Unwrap() error { return e.Err }
