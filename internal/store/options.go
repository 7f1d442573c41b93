package store

import (
	"time"

	"corestore/pkg/domain"
)

// Options carries the caller-facing switches recognised across get, find,
// set, and delete. The zero value is the default behaviour.
type Options struct {
	// User is the acting identity. When zero and UserID is set, the
	// identity is resolved through the registry's user cache; when both
	// are empty the operation runs as a guest.
	User   domain.User
	UserID string

	// SkipPermissionCheck bypasses the access engine and read projection.
	SkipPermissionCheck bool
	// SkipHooks suppresses will*/did* lifecycle hooks.
	SkipHooks bool
	// SkipValidation bypasses the validation gate.
	SkipValidation bool
	// SkipChangeEmission suppresses change-notification fan-out.
	SkipChangeEmission bool

	// AllowUpsert lets a set with an explicit id create the document when
	// it does not exist yet.
	AllowUpsert bool

	// SkipPopulation leaves ref/refList ids unexpanded on read.
	SkipPopulation bool
	// SkipVirtualLoad leaves virtual properties absent on read.
	SkipVirtualLoad bool

	// HardDelete drops the document instead of moving it to the shadow
	// collection.
	HardDelete bool
	// IncludeDeleted lets reads fall through to the shadow collection.
	IncludeDeleted bool
	// NilOnMissing returns a nil document instead of ErrNotFound.
	NilOnMissing bool

	// Timeout is a soft find timeout: exceeding it logs a warning without
	// cancelling the in-flight query.
	Timeout time.Duration

	// Fields restricts read projection to the named properties.
	Fields []string

	// ExpectedVersion gates an update on the stored __v. Zero leaves the
	// replace ungated: version-less saves intentionally bypass the
	// compare-and-swap, relying on the per-id lock for serialization
	// within the pipeline.
	ExpectedVersion int64

	// Version requests historical reconstruction of the document at an
	// older __v on read.
	Version int64
}

// fieldSelected reports whether projection should include the property.
func (o Options) fieldSelected(name string) bool {
	if len(o.Fields) == 0 {
		return true
	}
	for _, f := range o.Fields {
		if f == name {
			return true
		}
	}
	return false
}
