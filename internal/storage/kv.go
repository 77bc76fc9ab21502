// Package storage provides the key-value persistence the engine keeps its
// metadata blob, credential list and replay journal in.
//
// Each logical record lives under one key. Two implementations exist:
// SQLite (durable, used by the CLI) and Memory (tests).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is a minimal byte-oriented key-value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Apply writes every entry of b, or none of them.
	Apply(ctx context.Context, b Batch) error
}

// Batch maps keys to new values. A nil value deletes the key.
type Batch map[string][]byte

func (b Batch) Set(key string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	b[key] = value
}

func (b Batch) Delete(key string) { b[key] = nil }
