// Package blob defines the abstraction for file-property payload storage.
// Drivers live under internal/infra/blob.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem is the local filesystem implementation.
	DriverFilesystem Driver = "fs"
	// DriverS3 is an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory implementation used in tests.
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// SignedURLOptions holds options for generating a pre-signed URL.
type SignedURLOptions struct {
	Method  string // GET|PUT (currently only GET used internally)
	Expiry  time.Duration
	Headers map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store provides a thin S3-like abstraction used by the file-property
// machinery. Semantics mirror a minimal subset of S3 so the S3 adapter is
// nearly 1:1 while the filesystem adapter can emulate them.
type Store interface {
	// Put stores a new blob at key. Fails if the key already exists.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get retrieves the blob contents and metadata.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Head returns metadata only.
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes a blob. Returns (false, nil) if not found.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns blobs whose key has the provided prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	// PresignURL returns a time-limited GET URL, or ErrUnsupported.
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	// Driver returns the configured backend driver.
	Driver() Driver
}

// ErrUnsupported is returned when an optional capability is not available.
var ErrUnsupported = errors.New("blob: unsupported operation")

// ItemKey builds the canonical blob key for one file property value of one
// document.
func ItemKey(storeName, itemID, prop, filename string) string {
	return storeName + "/" + itemID + "/" + prop + "/" + filename
}

// ItemPrefix is the key prefix covering every blob of one document.
func ItemPrefix(storeName, itemID string) string {
	return storeName + "/" + itemID + "/"
}
