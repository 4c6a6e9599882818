package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key is the logical signature of a request.
//
// Two requests that mean the same thing produce the same String(): symbols are
// upper-cased, accounts lower-cased, list values de-duplicated and sorted, and
// parameter names sorted. A repeat request is a hit only if its key collides,
// so this normalization is part of cache correctness.
type Key struct {
	// Namespace names the feature the data belongs to (e.g. "sentiment", "chart")
	Namespace string

	// Symbols are ticker symbols (e.g. {"aapl", "MSFT"})
	Symbols []string

	// Accounts are monitored account handles; order is irrelevant
	Accounts []string

	// Params are additional request parameters (e.g. {"interval": {"1d"}})
	Params url.Values

	// Limit bounds the result size (0 = none)
	Limit int
}

// String generates the deterministic cache key string.
// Format: namespace:symbols=A,B:accounts=x,y:p.name=v1,v2:limit=N
//
// Parameter segments carry a "p." prefix so no parameter name can pose as
// the symbols, accounts or limit segment.
//
// Example:
//
//	chart:symbols=AAPL:p.interval=1d:limit=50
func (k Key) String() string {
	parts := []string{normalizeNamespace(k.Namespace)}

	if symbols := normalizeList(k.Symbols, upperEscape); len(symbols) > 0 {
		parts = append(parts, "symbols="+strings.Join(symbols, ","))
	}

	if accounts := normalizeList(k.Accounts, lowerEscape); len(accounts) > 0 {
		parts = append(parts, "accounts="+strings.Join(accounts, ","))
	}

	// Add params (sorted for determinism)
	if len(k.Params) > 0 {
		params := make(map[string][]string, len(k.Params))
		for name, values := range k.Params {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			params[name] = append(params[name], values...)
		}

		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := normalizeList(params[name], url.QueryEscape)
			parts = append(parts, fmt.Sprintf("%s%s=%s", paramPrefix, url.QueryEscape(name), strings.Join(values, ",")))
		}
	}

	if k.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", k.Limit))
	}

	return strings.Join(parts, ":")
}

const paramPrefix = "p."

// Prefix returns the prefix shared by every key in k's namespace.
// Invalidate(ctx, key.Prefix()) drops all entries derived for that feature.
func (k Key) Prefix() string {
	return normalizeNamespace(k.Namespace) + ":"
}

func normalizeNamespace(namespace string) string {
	namespace = strings.ToLower(strings.TrimSpace(namespace))
	if namespace == "" {
		return "default"
	}
	return url.QueryEscape(namespace)
}

func upperEscape(s string) string { return url.QueryEscape(strings.ToUpper(s)) }

func lowerEscape(s string) string { return url.QueryEscape(strings.ToLower(s)) }

// normalizeList trims, transforms, de-duplicates and sorts values.
func normalizeList(values []string, transform func(string) string) []string {
	if len(values) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		v = transform(v)
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
