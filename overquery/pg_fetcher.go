// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-overcache/overcache"
)

// PGQuery is the SQL behind one resource. Filter parameters of the key are
// bound as named arguments (@kitchen_id).
type PGQuery struct {
	SQL string
	// List aggregates all rows into a JSON array; otherwise exactly one row
	// is expected and no rows means ErrNotFound.
	List bool
}

// PGFetcher serves resources straight from Postgres.
type PGFetcher struct {
	pool    *pgxpool.Pool
	queries map[overcache.Resource]PGQuery
}

// NewPGFetcher creates a fetcher with one query per resource.
func NewPGFetcher(pool *pgxpool.Pool, queries map[overcache.Resource]PGQuery) (*PGFetcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	for r, q := range queries {
		if q.SQL == "" {
			return nil, fmt.Errorf("empty query for resource %s", r)
		}
	}
	return &PGFetcher{pool: pool, queries: queries}, nil
}

// Fetch implements Fetcher
func (f *PGFetcher) Fetch(ctx context.Context, key overcache.Key) (json.RawMessage, error) {
	q, ok := f.queries[key.Resource]
	if !ok {
		return nil, fmt.Errorf("no query registered for resource %s", key.Resource)
	}
	args := pgx.NamedArgs{}
	for k, v := range key.Filter {
		args[k] = v
	}

	var sql string
	if q.List {
		sql = `SELECT coalesce(json_agg(t), '[]'::json) FROM (` + q.SQL + `) t`
	} else {
		sql = `SELECT row_to_json(t) FROM (` + q.SQL + `) t`
	}

	var raw []byte
	err := f.pool.QueryRow(ctx, sql, args).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", key.Resource, err)
	}
	return raw, nil
}
