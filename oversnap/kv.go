// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversnap

import "context"

// KV is the durable string key-value primitive the snapshot store persists
// through. Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	AllKeys(ctx context.Context) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
}
