package domain

import "context"

// SchemaRegistry is the narrow contract the engines consume from the
// declarative-schema collaborator.
type SchemaRegistry interface {
	// Store returns the descriptor for a store name, honouring per-user
	// visibility. The second return is false when the store is unknown or
	// hidden from the user.
	Store(name string, user User) (StoreDescriptor, bool)

	// ReadableProps maps each property name to the permission characters
	// the user holds on it.
	ReadableProps(desc StoreDescriptor, user User) map[string]string

	// RefPairs resolves the bidirectional relationship pairs for a store.
	// Ambiguous pairings are omitted from the result.
	RefPairs(storeName string) []RefPair

	// Hook returns the compiled lifecycle hook for a store and event, or
	// false when none is configured.
	Hook(storeName string, event HookName) (CompiledExpression, bool)

	// BaseItem returns the default document for a store, seeded from
	// property defaults.
	BaseItem(desc StoreDescriptor, user User) Document

	// ResolveUser loads the user identity for an id, consulting the
	// registry's user cache.
	ResolveUser(ctx context.Context, id string) (User, error)
}

// CompiledExpression is a compiled, resource-bounded expression ready for
// repeated evaluation. It never has ambient filesystem or network access.
type CompiledExpression interface {
	Evaluate(env map[string]any) (any, error)
}

// Validator is the narrow contract of the external validation engine.
type Validator interface {
	// Validate returns per-property issues; a non-empty map aborts the
	// write before persistence.
	Validate(desc StoreDescriptor, item Document, base Document, user User) map[string][]ValidationIssue
}
