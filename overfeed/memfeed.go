// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overfeed

import (
	"context"
	"sync"

	"github.com/mobiletoly/go-overcache/overcache"
)

// MemoryFeed is an in-process Feed. Events are published by the caller and
// delivered synchronously to every open channel whose spec matches. Callbacks
// run under the feed lock and must not call back into the feed.
type MemoryFeed struct {
	mu       sync.Mutex
	autoAck  bool
	channels []*memoryChannel
	failures []error
	log      []string
}

type memoryChannel struct {
	feed     *MemoryFeed
	spec     ChannelSpec
	onEvent  func(overcache.ChangeEvent)
	onStatus func(ChannelStatus, error)
	failed   bool
}

// NewMemoryFeed returns a feed that acknowledges every subscription with
// SUBSCRIBED immediately.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{autoAck: true}
}

// SetAutoAck controls whether Subscribe reports SUBSCRIBED on its own.
// When disabled, Ack completes pending handshakes.
func (f *MemoryFeed) SetAutoAck(on bool) {
	f.mu.Lock()
	f.autoAck = on
	f.mu.Unlock()
}

// FailNextSubscribe makes the next len(errs) Subscribe calls fail in order.
func (f *MemoryFeed) FailNextSubscribe(errs ...error) {
	f.mu.Lock()
	f.failures = append(f.failures, errs...)
	f.mu.Unlock()
}

// Subscribe implements Feed
func (f *MemoryFeed) Subscribe(ctx context.Context, spec ChannelSpec,
	onEvent func(overcache.ChangeEvent), onStatus func(ChannelStatus, error)) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log = append(f.log, "subscribe "+spec.Name)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	ch := &memoryChannel{feed: f, spec: spec, onEvent: onEvent, onStatus: onStatus}
	f.channels = append(f.channels, ch)
	if f.autoAck {
		onStatus(ChannelSubscribed, nil)
	}
	return ch, nil
}

// Publish delivers ev to every healthy open channel that watches it and
// returns the number of deliveries.
func (f *MemoryFeed) Publish(ev overcache.ChangeEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ch := range f.channels {
		if !ch.failed && ch.spec.Matches(ev) {
			ch.onEvent(ev)
			n++
		}
	}
	return n
}

// Ack reports SUBSCRIBED on every open channel.
func (f *MemoryFeed) Ack() {
	f.Emit(ChannelSubscribed, nil)
}

// Emit reports status on every open channel. Error statuses mark the
// channels failed; they stop receiving events until unsubscribed.
func (f *MemoryFeed) Emit(status ChannelStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		if ch.failed {
			continue
		}
		if status != ChannelSubscribed {
			ch.failed = true
		}
		ch.onStatus(status, err)
	}
}

// Active returns the specs of the currently open channels.
func (f *MemoryFeed) Active() []ChannelSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChannelSpec, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch.spec)
	}
	return out
}

// Log returns the subscribe/unsubscribe calls in the order they happened.
func (f *MemoryFeed) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (c *memoryChannel) Unsubscribe(_ context.Context) error {
	f := c.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.channels {
		if ch == c {
			f.channels = append(f.channels[:i], f.channels[i+1:]...)
			f.log = append(f.log, "unsubscribe "+c.spec.Name)
			c.onStatus(ChannelClosed, nil)
			return nil
		}
	}
	return nil
}
