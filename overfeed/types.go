// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-overcache/overcache"
)

// Status is the connection status exposed to the UI.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusError        Status = "ERROR"
)

// ConnectionState is the read-only view of the manager's state machine.
type ConnectionState struct {
	Status       Status
	RetryAttempt int
	LastError    string // empty when there is no error
}

// IsRetrying reports whether a reconnect cycle is in progress.
func (s ConnectionState) IsRetrying() bool {
	return s.RetryAttempt > 0 && s.Status != StatusConnected
}

// ChannelStatus is reported by a Feed for a subscribed channel.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "SUBSCRIBED"
	ChannelError      ChannelStatus = "CHANNEL_ERROR"
	ChannelTimedOut   ChannelStatus = "TIMED_OUT"
	ChannelClosed     ChannelStatus = "CLOSED"
)

// Notice is a transient connection notification for the UI.
type Notice string

const (
	NoticeReconnecting Notice = "reconnecting"
	NoticeReconnected  Notice = "reconnected"
	// NoticeDisconnected is persistent: retries are exhausted.
	NoticeDisconnected Notice = "disconnected"
)

// TableSubscription registers interest in one table of a channel.
// Filter uses the "column=eq.value" form; empty means unfiltered.
type TableSubscription struct {
	Schema string
	Table  string
	Filter string
}

// ParseFilter splits a "column=eq.value" filter.
func ParseFilter(filter string) (column, value string, err error) {
	col, rest, ok := strings.Cut(filter, "=")
	if !ok || col == "" {
		return "", "", fmt.Errorf("invalid filter %q", filter)
	}
	value, ok = strings.CutPrefix(rest, "eq.")
	if !ok {
		return "", "", fmt.Errorf("unsupported filter operator in %q", filter)
	}
	return col, value, nil
}

// Matches reports whether ev belongs to this subscription. Either row image
// passing the filter is enough, so a row moving out of the filtered scope is
// still delivered. A row that does not carry the filter column is accepted;
// tenant scoping for such rows is left to the router.
func (t TableSubscription) Matches(ev overcache.ChangeEvent) bool {
	schema := t.Schema
	if schema == "" {
		schema = overcache.DefaultSchema
	}
	evSchema := ev.Schema
	if evSchema == "" {
		evSchema = overcache.DefaultSchema
	}
	if !strings.EqualFold(schema, evSchema) || !strings.EqualFold(t.Table, ev.Table) {
		return false
	}
	if t.Filter == "" {
		return true
	}
	col, want, err := ParseFilter(t.Filter)
	if err != nil {
		return false
	}
	if !ev.HasBefore() && !ev.HasAfter() {
		// No row image: the router takes its degraded path.
		return true
	}
	return (ev.HasBefore() && rowMatches(ev.Before, col, want)) ||
		(ev.HasAfter() && rowMatches(ev.After, col, want))
}

func rowMatches(raw json.RawMessage, col, want string) bool {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		// Undecodable rows are passed on so the router takes its degraded path.
		return true
	}
	v, ok := row[col]
	if !ok {
		return true
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		s = string(v)
	}
	return s == want
}

// ChannelSpec describes one logical channel: a name and the tables it watches.
type ChannelSpec struct {
	Name   string
	Tables []TableSubscription
}

// Matches reports whether any table subscription of the channel accepts ev.
func (c ChannelSpec) Matches(ev overcache.ChangeEvent) bool {
	for _, t := range c.Tables {
		if t.Matches(ev) {
			return true
		}
	}
	return false
}

// Feed is the change-feed subscription primitive.
//
// Subscribe opens a channel. The feed reports the handshake and later drops
// through onStatus and delivers events through onEvent, in transport order.
// Both callbacks must not block.
type Feed interface {
	Subscribe(ctx context.Context, spec ChannelSpec,
		onEvent func(overcache.ChangeEvent),
		onStatus func(ChannelStatus, error)) (Channel, error)
}

// Channel is an open subscription.
type Channel interface {
	// Unsubscribe closes the channel and returns once no more callbacks
	// will be invoked for it.
	Unsubscribe(ctx context.Context) error
}
