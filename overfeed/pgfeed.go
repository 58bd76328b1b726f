// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-overcache/overcache"
)

// DefaultNotifyChannel is the NOTIFY channel the installed triggers publish to.
const DefaultNotifyChannel = "overcache_changes"

// PGFeedConfig holds configuration for the Postgres feed
type PGFeedConfig struct {
	NotifyChannel string // defaults to DefaultNotifyChannel
	Logger        *slog.Logger
}

// PGFeed is a Feed over Postgres LISTEN/NOTIFY. Each subscription holds a
// dedicated connection taken out of the pool; notifications are decoded into
// change events and filtered client-side against the channel spec.
type PGFeed struct {
	pool          *pgxpool.Pool
	notifyChannel string
	logger        *slog.Logger
}

// NewPGFeed creates a feed over pool.
func NewPGFeed(pool *pgxpool.Pool, config *PGFeedConfig) (*PGFeed, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	f := &PGFeed{pool: pool, notifyChannel: DefaultNotifyChannel, logger: slog.Default()}
	if config != nil {
		if config.NotifyChannel != "" {
			f.notifyChannel = config.NotifyChannel
		}
		if config.Logger != nil {
			f.logger = config.Logger
		}
	}
	return f, nil
}

type pgChannel struct {
	feed   *PGFeed
	spec   ChannelSpec
	conn   *pgx.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe implements Feed. ctx bounds connection setup only; the channel
// lives until Unsubscribe or a connection loss, which is reported as
// CHANNEL_ERROR.
func (f *PGFeed) Subscribe(ctx context.Context, spec ChannelSpec,
	onEvent func(overcache.ChangeEvent), onStatus func(ChannelStatus, error)) (Channel, error) {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	// The connection keeps LISTEN state, so it never goes back to the pool.
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("failed to listen on %s: %w", f.notifyChannel, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	ch := &pgChannel{feed: f, spec: spec, conn: conn, cancel: cancel, done: make(chan struct{})}
	onStatus(ChannelSubscribed, nil)
	go ch.listen(lctx, onEvent, onStatus)

	f.logger.Debug("Listening for changes", "channel", spec.Name, "notify_channel", f.notifyChannel)
	return ch, nil
}

func (c *pgChannel) listen(ctx context.Context, onEvent func(overcache.ChangeEvent), onStatus func(ChannelStatus, error)) {
	defer close(c.done)
	for {
		n, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.feed.logger.Warn("Listen connection lost", "channel", c.spec.Name, "error", err)
			onStatus(ChannelError, err)
			return
		}

		var ev overcache.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			c.feed.logger.Warn("Dropping undecodable notification", "channel", c.spec.Name, "bytes", len(n.Payload), "error", err)
			continue
		}
		if !c.spec.Matches(ev) {
			continue
		}
		onEvent(ev)
	}
}

// Unsubscribe stops the listen loop and closes the dedicated connection.
func (c *pgChannel) Unsubscribe(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = fmt.Errorf("listen loop of %s did not stop: %w", c.spec.Name, ctx.Err())
		}
		if cerr := c.conn.Close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close listen connection: %w", cerr)
		}
	})
	return err
}
