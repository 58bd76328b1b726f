// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

// Op is the kind of row change carried by a ChangeEvent.
type Op string

// Operation constants for change operations
const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// State describes the freshness of a cache entry
type State string

const (
	StateFresh  State = "FRESH"
	StateStale  State = "STALE"
	StateAbsent State = "ABSENT"
)

// DefaultSchema is the only schema whose events carry application data.
const DefaultSchema = "public"

// Route outcomes reported through RouterOptions.Observe and counted in RouterStats
const (
	OutcomePatched     = "patched"
	OutcomeInvalidated = "invalidated"
	OutcomeRemoved     = "removed"
	OutcomeDropped     = "dropped"
	OutcomeDegraded    = "degraded"
)
