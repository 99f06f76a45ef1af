// Package kv is the persistence boundary of the pending queue: a flat string
// key-value space with whole-value reads and writes.
package kv

import (
	"context"
	"errors"
)

// ErrNoChange is returned by an UpdateFunc to leave the value untouched.
var ErrNoChange = errors.New("kv: no change")

// UpdateFunc computes the new value of a key from its current value.
// ok is false when the key was never set. It may run more than once per
// Update, so it must not have side effects beyond its return values.
type UpdateFunc func(current string, ok bool) (string, error)

// KeyValue stores string values under string keys. Implementations never retry;
// I/O failures are returned to the caller.
type KeyValue interface {
	// Get returns the value under key; ok is false when the key was never set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set replaces the value under key.
	Set(ctx context.Context, key, value string) error
	// Update runs a read-modify-write of key that is atomic with respect to
	// every other Update on the same backend, including other processes.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Close releases connections held by the backend.
	Close() error
}
