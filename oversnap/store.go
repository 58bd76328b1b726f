// Package oversnap keeps durable, schema-versioned snapshots of detail
// entities so detail views can render while the query cache is cold and the
// network is unavailable.
//
// Every Store operation is best-effort: persistence and decode failures are
// logged and reported as an absent snapshot, never returned to the caller.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversnap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind classifies the entity a snapshot belongs to.
type Kind string

const (
	KindPrimary   Kind = "primary"
	KindSecondary Kind = "secondary"
)

const (
	// CurrentSchemaVersion is bumped whenever a snapshotted payload shape
	// changes. Records written under any other version read as absent.
	CurrentSchemaVersion = 1

	DefaultNamespace = "offline_snapshot"
)

// Snapshot is the persisted envelope around a detail payload.
type Snapshot struct {
	SchemaVersion int             `json:"schema_version"`
	FetchedAt     time.Time       `json:"fetched_at"`
	EntityID      string          `json:"entity_id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

// Config holds configuration for the snapshot store
type Config struct {
	Namespace     string // key prefix, e.g. "offline_snapshot"
	SchemaVersion int    // expected envelope version
	Now           func() time.Time
	Logger        *slog.Logger
}

// DefaultConfig returns the default store configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:     DefaultNamespace,
		SchemaVersion: CurrentSchemaVersion,
		Now:           time.Now,
	}
}

// Store persists snapshots through a KV under a fixed namespace.
type Store struct {
	kv      KV
	prefix  string
	version int
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore creates a snapshot store over kv. A nil config uses DefaultConfig.
func NewStore(kv KV, config *Config) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	ns := config.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if strings.Contains(ns, ":") {
		return nil, fmt.Errorf("namespace %q must not contain ':'", ns)
	}
	version := config.SchemaVersion
	if version == 0 {
		version = CurrentSchemaVersion
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, prefix: ns + ":", version: version, now: now, logger: logger}, nil
}

// Key returns the KV key a snapshot of (kind, entityID) is stored under.
func (s *Store) Key(kind Kind, entityID string) string {
	return s.prefix + string(kind) + ":" + entityID
}

// Save serializes payload into a versioned envelope and writes it, replacing
// any previous snapshot of the entity.
func (s *Store) Save(ctx context.Context, entityID string, kind Kind, payload any) {
	if entityID == "" {
		s.logger.Warn("Skipping offline snapshot without entity id", "kind", kind)
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("Failed to encode offline snapshot payload", "kind", kind, "entity_id", entityID, "error", err)
		return
	}
	env, err := json.Marshal(Snapshot{
		SchemaVersion: s.version,
		FetchedAt:     s.now().UTC(),
		EntityID:      entityID,
		Kind:          kind,
		Payload:       raw,
	})
	if err != nil {
		s.logger.Warn("Failed to encode offline snapshot", "kind", kind, "entity_id", entityID, "error", err)
		return
	}
	key := s.Key(kind, entityID)
	if err := s.kv.Set(ctx, key, string(env)); err != nil {
		s.logger.Warn("Failed to persist offline snapshot", "key", key, "error", err)
		return
	}
	s.logger.Debug("Offline snapshot saved", "key", key, "bytes", len(env))
}

// Load returns the snapshot of (kind, entityID). Records that cannot be
// decoded or carry another schema version are purged and reported absent.
func (s *Store) Load(ctx context.Context, entityID string, kind Kind) (*Snapshot, bool) {
	key := s.Key(kind, entityID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to read offline snapshot", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.discard(ctx, key, "corrupt envelope", err)
		return nil, false
	}
	if snap.SchemaVersion != s.version {
		s.discard(ctx, key, "schema version mismatch",
			fmt.Errorf("stored version %d, expected %d", snap.SchemaVersion, s.version))
		return nil, false
	}
	if snap.EntityID != entityID || snap.Kind != kind || len(snap.Payload) == 0 {
		s.discard(ctx, key, "envelope does not match key", nil)
		return nil, false
	}
	return &snap, true
}

// LoadAs loads a snapshot and decodes its payload into T. A payload that no
// longer decodes into T is purged like a corrupt record.
func LoadAs[T any](ctx context.Context, s *Store, entityID string, kind Kind) (T, *Snapshot, bool) {
	var zero T
	snap, ok := s.Load(ctx, entityID, kind)
	if !ok {
		return zero, nil, false
	}
	var v T
	if err := json.Unmarshal(snap.Payload, &v); err != nil {
		s.discard(ctx, s.Key(kind, entityID), "payload does not decode", err)
		return zero, nil, false
	}
	return v, snap, true
}

// Purge removes the snapshot of (kind, entityID).
func (s *Store) Purge(ctx context.Context, entityID string, kind Kind) {
	key := s.Key(kind, entityID)
	if err := s.kv.Remove(ctx, key); err != nil {
		s.logger.Warn("Failed to purge offline snapshot", "key", key, "error", err)
	}
}

// PurgeAll removes every snapshot under the store namespace and returns how
// many keys were removed. Keys outside the namespace are never touched.
func (s *Store) PurgeAll(ctx context.Context) int {
	keys, err := s.kv.AllKeys(ctx)
	if err != nil {
		s.logger.Warn("Failed to list keys for offline snapshot purge", "error", err)
		return 0
	}
	var owned []string
	for _, k := range keys {
		if strings.HasPrefix(k, s.prefix) {
			owned = append(owned, k)
		}
	}
	if len(owned) == 0 {
		return 0
	}
	if err := s.kv.MultiRemove(ctx, owned); err != nil {
		s.logger.Warn("Failed to purge offline snapshots", "count", len(owned), "error", err)
		return 0
	}
	s.logger.Info("Offline snapshots purged", "count", len(owned))
	return len(owned)
}

func (s *Store) discard(ctx context.Context, key, reason string, cause error) {
	s.logger.Warn("Discarding offline snapshot", "key", key, "reason", reason, "error", cause)
	if err := s.kv.Remove(ctx, key); err != nil {
		s.logger.Warn("Failed to remove discarded offline snapshot", "key", key, "error", err)
	}
}
