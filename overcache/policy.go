// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"encoding/json"
	"fmt"
)

// DefaultTenantParam is the filter name that scopes list keys to a tenant.
const DefaultTenantParam = "kitchen_id"

// TablePolicy is the declarative routing rule for one watched table whose
// rows decode into T. It implements Handler.
type TablePolicy[T any] struct {
	TableName string

	// ID extracts the row primary key. Required.
	ID func(T) string
	// Tenant extracts the tenant column; nil when rows carry none.
	Tenant func(T) string

	// ListResource is the table's own tenant-scoped list ("" when none).
	ListResource Resource
	// TenantParam is the filter name of list keys (DefaultTenantParam when empty).
	TenantParam string
	// PatchList means list entries hold []T and can be patched from a full row.
	PatchList bool

	// DetailKey returns the row's own detail key; nil when the table has no detail view.
	DetailKey func(T) Key
	// DetailFromRow means the detail entry value is the row itself (T).
	DetailFromRow bool

	// Dependents returns keys of other resources affected by the row.
	// ok=false means the row lacks the ids needed to resolve them.
	Dependents func(row T, tenantID string) (prefixes []Prefix, ok bool)

	// BroadResources are invalidated on the degraded path in addition to
	// ListResource (e.g. parent detail resources of a child table).
	BroadResources []Resource
}

// Table implements Handler
func (p *TablePolicy[T]) Table() string { return p.TableName }

func (p *TablePolicy[T]) tenantParam() string {
	if p.TenantParam != "" {
		return p.TenantParam
	}
	return DefaultTenantParam
}

// ListKey returns the tenant-scoped list key of the table.
func (p *TablePolicy[T]) ListKey(tenantID string) Key {
	return NewKey(p.ListResource, p.tenantParam(), tenantID)
}

func decodeRow[T any](raw json.RawMessage) (*T, error) {
	if !present(raw) {
		return nil, nil
	}
	var row T
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// Handle implements Handler
func (p *TablePolicy[T]) Handle(ev ChangeEvent, c *Cache, rc RouteContext) RouteResult {
	res := RouteResult{Table: ev.Table, Op: ev.Op}

	if err := ev.Validate(); err != nil {
		return p.degrade(c, rc, res, err.Error())
	}
	before, err := decodeRow[T](ev.Before)
	if err != nil {
		return p.degrade(c, rc, res, fmt.Sprintf("decode before row: %v", err))
	}
	after, err := decodeRow[T](ev.After)
	if err != nil {
		return p.degrade(c, rc, res, fmt.Sprintf("decode after row: %v", err))
	}
	row := after
	if ev.Op == OpDelete || row == nil {
		row = before
	}

	// Resolve the owning tenant: row first, channel context second.
	op := ev.Op
	tenant := ""
	if p.Tenant != nil {
		beforeTenant, afterTenant := "", ""
		if before != nil {
			beforeTenant = p.Tenant(*before)
		}
		if after != nil {
			afterTenant = p.Tenant(*after)
		}
		tenant = afterTenant
		if tenant == "" {
			tenant = beforeTenant
		}
		// A row moved to another tenant leaves the active tenant's cache
		// as if it were deleted.
		if op == OpUpdate && rc.TenantID != "" && beforeTenant == rc.TenantID &&
			afterTenant != "" && afterTenant != rc.TenantID {
			op, tenant, row, after = OpDelete, rc.TenantID, before, nil
			res.Reason = "row moved to tenant " + afterTenant
		}
	}
	if tenant != "" && rc.TenantID != "" && tenant != rc.TenantID {
		res.Dropped, res.Reason = true, "row belongs to tenant "+tenant
		return res
	}
	if tenant == "" {
		tenant = rc.TenantID
	}
	if tenant == "" {
		return p.degrade(c, rc, res, "tenant unresolved")
	}

	id := p.ID(*row)
	if id == "" {
		return p.degrade(c, rc, res, "row id missing")
	}

	// Dependents are resolved before any mutation so an unresolvable row
	// leaves the cache to the broad path only.
	var deps []Prefix
	if p.Dependents != nil {
		seen := make(map[string]bool)
		for _, r := range []*T{before, after} {
			if r == nil {
				continue
			}
			prefixes, ok := p.Dependents(*r, tenant)
			if !ok {
				if r == before && after != nil {
					continue
				}
				return p.degrade(c, RouteContext{TenantID: tenant, UserID: rc.UserID}, res, "dependent keys unresolved")
			}
			for _, pf := range prefixes {
				sig := Key(pf).String()
				if !seen[sig] {
					seen[sig] = true
					deps = append(deps, pf)
				}
			}
		}
	}

	if p.ListResource != "" {
		lk := p.ListKey(tenant)
		if p.PatchList && PatchList(c, lk, op, *row, p.ID) {
			res.Patched++
		} else {
			res.Invalidated += c.Invalidate(PrefixOf(lk))
		}
	}

	if p.DetailKey != nil {
		dk := p.DetailKey(*row)
		switch op {
		case OpDelete:
			if c.Delete(dk) {
				res.Removed++
			}
		case OpUpdate:
			if p.DetailFromRow {
				if c.SetIfPresent(dk, *row) {
					res.Patched++
				}
			} else {
				res.Invalidated += c.Invalidate(PrefixOf(dk))
			}
		}
	}

	for _, pf := range deps {
		res.Invalidated += c.Invalidate(pf)
	}
	return res
}

func (p *TablePolicy[T]) degrade(c *Cache, rc RouteContext, res RouteResult, reason string) RouteResult {
	res.Degraded = true
	res.Reason = reason
	res.Invalidated = p.Broad(c, rc)
	return res
}

// Broad implements Handler. The list is scoped to rc.TenantID when known;
// otherwise every list entry of the resource is marked stale.
func (p *TablePolicy[T]) Broad(c *Cache, rc RouteContext) int {
	n := 0
	if p.ListResource != "" {
		pf := Prefix{Resource: p.ListResource}
		if rc.TenantID != "" {
			pf.Filter = Filter{p.tenantParam(): rc.TenantID}
		}
		n += c.Invalidate(pf)
	}
	for _, r := range p.BroadResources {
		n += c.Invalidate(Prefix{Resource: r})
	}
	return n
}
