// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"net/url"
	"sort"
	"strings"
)

// Resource names a cached query shape. List and detail queries over the same
// table use distinct resources (e.g. "recipes" and "recipe").
type Resource string

// Filter holds the named scalar parameters of a query. It is order-insensitive.
type Filter map[string]string

// Key addresses a single Query Cache entry.
type Key struct {
	Resource Resource
	Filter   Filter
}

// NewKey builds a key from alternating name/value pairs.
// A trailing name without value is ignored.
func NewKey(resource Resource, pairs ...string) Key {
	k := Key{Resource: resource}
	if len(pairs) >= 2 {
		k.Filter = make(Filter, len(pairs)/2)
		for i := 0; i+1 < len(pairs); i += 2 {
			k.Filter[pairs[i]] = pairs[i+1]
		}
	}
	return k
}

// Param returns the filter value for name ("" when unset).
func (k Key) Param(name string) string {
	if k.Filter == nil {
		return ""
	}
	return k.Filter[name]
}

// Equal reports whether both keys have the same resource and filter entries.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// String returns the canonical form "resource?a=1&b=2" with sorted parameters.
// It is the identity used inside the cache.
func (k Key) String() string {
	if len(k.Filter) == 0 {
		return string(k.Resource)
	}
	names := make([]string, 0, len(k.Filter))
	for name := range k.Filter {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(string(k.Resource))
	b.WriteByte('?')
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(k.Filter[name]))
	}
	return b.String()
}

// Values converts the filter to url.Values (used by HTTP fetchers).
func (k Key) Values() url.Values {
	v := make(url.Values, len(k.Filter))
	for name, value := range k.Filter {
		v.Set(name, value)
	}
	return v
}

// Prefix selects entries for Invalidate: the resource must match and every
// entry of Filter must be present with the same value. An empty Filter
// matches every entry of the resource.
type Prefix struct {
	Resource Resource
	Filter   Filter
}

// PrefixOf returns a prefix matching exactly the given key's resource and filter.
func PrefixOf(k Key) Prefix {
	return Prefix{Resource: k.Resource, Filter: k.Filter}
}

// Matches reports whether k falls under the prefix.
func (p Prefix) Matches(k Key) bool {
	if p.Resource != k.Resource {
		return false
	}
	for name, value := range p.Filter {
		if k.Filter == nil {
			return false
		}
		got, ok := k.Filter[name]
		if !ok || got != value {
			return false
		}
	}
	return true
}
