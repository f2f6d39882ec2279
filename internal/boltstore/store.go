// Package boltstore provides typed key-value persistence with JSON encoded
// values, backed by bbolt on disk or a map in memory.
package boltstore

import (
	"context"

	"github.com/containerd/errdefs"
)

// Store provides type-safe key-value storage.
//
// Every Set is a single atomic write, so callers that need several records to
// change together should keep them under one key.
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	// Scan visits every key with the given prefix in ascending key order.
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	Close() error
}

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errdefs.ErrNotFound
