// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent marks a change event that violates the before/after invariant.
var ErrMalformedEvent = errors.New("malformed change event")

// ChangeEvent is a single row-level notification from the backend change feed.
// Rows are carried as raw JSON objects and decoded per table by the router's
// policy table.
type ChangeEvent struct {
	Schema     string          `json:"schema"`
	Table      string          `json:"table"`
	Op         Op              `json:"op"`
	Before     json.RawMessage `json:"before,omitempty"` // nil for INSERT
	After      json.RawMessage `json:"after,omitempty"`  // nil for DELETE
	Truncated  bool            `json:"truncated,omitempty"`
	CommitTime time.Time       `json:"commit_time,omitempty"`
}

// HasBefore reports whether a before-image is present.
func (e ChangeEvent) HasBefore() bool { return present(e.Before) }

// HasAfter reports whether an after-image is present.
func (e ChangeEvent) HasAfter() bool { return present(e.After) }

func present(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

// Validate checks the operation/row-image invariant:
// INSERT and UPDATE need an after row, DELETE needs a before row. A missing
// UPDATE before-image is tolerated.
func (e ChangeEvent) Validate() error {
	if e.Truncated {
		return fmt.Errorf("%w: %s.%s row images truncated", ErrMalformedEvent, e.Schema, e.Table)
	}
	hasBefore, hasAfter := e.HasBefore(), e.HasAfter()
	switch e.Op {
	case OpInsert:
		if !hasAfter {
			return fmt.Errorf("%w: INSERT without after row", ErrMalformedEvent)
		}
	case OpUpdate:
		if !hasAfter {
			return fmt.Errorf("%w: UPDATE without after row", ErrMalformedEvent)
		}
	case OpDelete:
		if !hasBefore {
			return fmt.Errorf("%w: DELETE without before row", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, e.Op)
	}
	return nil
}
