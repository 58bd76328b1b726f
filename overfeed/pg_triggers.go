// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overfeed

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultMaxPayloadBytes keeps notifications under the 8000 byte NOTIFY limit.
const DefaultMaxPayloadBytes = 7800

// TriggerConfig describes the tables whose row changes are published.
type TriggerConfig struct {
	Schema          string // defaults to "public"
	Tables          []string
	NotifyChannel   string // defaults to DefaultNotifyChannel
	MaxPayloadBytes int    // defaults to DefaultMaxPayloadBytes
}

// TriggerData holds the data needed for trigger template rendering
type TriggerData struct {
	Function        string // qualified, sanitized function name
	Channel         string // SQL string literal
	MaxPayloadBytes int
	TriggerName     string
	QualifiedTable  string
}

// A payload that would exceed the limit is replaced by a header-only event
// with "truncated": true so the client falls back to invalidation.
const notifyFunctionTemplate = `CREATE OR REPLACE FUNCTION {{.Function}}() RETURNS trigger
LANGUAGE plpgsql AS $$
DECLARE
	payload text;
BEGIN
	payload := json_build_object(
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'op', TG_OP,
		'before', CASE WHEN TG_OP IN ('UPDATE', 'DELETE') THEN row_to_json(OLD) END,
		'after', CASE WHEN TG_OP IN ('INSERT', 'UPDATE') THEN row_to_json(NEW) END,
		'commit_time', now()
	)::text;
	IF octet_length(payload) > {{.MaxPayloadBytes}} THEN
		payload := json_build_object(
			'schema', TG_TABLE_SCHEMA,
			'table', TG_TABLE_NAME,
			'op', TG_OP,
			'truncated', true,
			'commit_time', now()
		)::text;
	END IF;
	PERFORM pg_notify({{.Channel}}, payload);
	RETURN NULL;
END;
$$`

const dropTriggerTemplate = `DROP TRIGGER IF EXISTS {{.TriggerName}} ON {{.QualifiedTable}}`

const createTriggerTemplate = `CREATE TRIGGER {{.TriggerName}}
AFTER INSERT OR UPDATE OR DELETE ON {{.QualifiedTable}}
FOR EACH ROW EXECUTE FUNCTION {{.Function}}()`

func render(name, tmpl string, data TriggerData) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.String(), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TriggerStatements renders the DDL InstallTriggers executes, in order.
func TriggerStatements(cfg TriggerConfig) ([]string, error) {
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("no tables to install triggers for")
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	channel := cfg.NotifyChannel
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}

	base := TriggerData{
		Function:        pgx.Identifier{schema, "overcache_notify"}.Sanitize(),
		Channel:         quoteLiteral(channel),
		MaxPayloadBytes: limit,
	}
	fn, err := render("function", notifyFunctionTemplate, base)
	if err != nil {
		return nil, err
	}
	stmts := []string{fn}
	for _, table := range cfg.Tables {
		table = strings.ToLower(strings.TrimSpace(table))
		if table == "" {
			return nil, fmt.Errorf("empty table name")
		}
		data := base
		data.TriggerName = pgx.Identifier{"overcache_notify_" + table}.Sanitize()
		data.QualifiedTable = pgx.Identifier{schema, table}.Sanitize()
		for _, tmpl := range []struct{ name, text string }{
			{"drop", dropTriggerTemplate},
			{"create", createTriggerTemplate},
		} {
			stmt, err := render(tmpl.name, tmpl.text, data)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// InstallTriggers creates the notify function and one AFTER trigger per
// table in a single transaction. It is safe to run repeatedly.
func InstallTriggers(ctx context.Context, pool *pgxpool.Pool, cfg TriggerConfig) error {
	stmts, err := TriggerStatements(cfg)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install change trigger: %w", err)
			}
		}
		return nil
	})
}
