// Package storage persists Maester HTML reports in an object storage bucket
// and provides listing and retrieval on top of it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a report or object does not exist.
var ErrNotFound = errors.New("not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// ObjectStore is the subset of a blob backend the publisher relies on.
type ObjectStore interface {
	// EnsureBucket creates the bucket if it does not exist yet.
	EnsureBucket(ctx context.Context) (created bool, err error)
	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	// Stat returns object information or ErrNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Get returns the object content or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the objects whose key ends with suffix, including metadata.
	List(ctx context.Context, suffix string) ([]ObjectInfo, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// URL returns the location of key.
	URL(key string) string
	// Bucket returns the bucket name.
	Bucket() string
}
