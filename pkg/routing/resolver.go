// Package routing maps outbound URLs to transport policies.
//
// Rules are evaluated in declaration order with case-insensitive substring
// matching; the first match wins. A pattern of "*" matches every URL. When
// nothing matches, the resolver falls back to the global proxy list or a
// direct connection with TLS verification enabled.
package routing

import "strings"

// Policy describes how a single outbound request should be transported.
type Policy struct {
	// Proxy is the outbound proxy URL (http, https, socks5, socks5h) or empty
	// for a direct connection.
	Proxy string

	// InsecureTLS disables certificate verification for this destination.
	InsecureTLS bool
}

// Rule is one ordered routing rule.
type Rule struct {
	// Pattern is matched as a case-insensitive substring of the target URL.
	// The special pattern "*" matches any URL.
	Pattern string

	// Proxy routes matching requests through the given proxy. Empty means no
	// per-rule proxy.
	Proxy string

	// InsecureTLS disables certificate verification for matching requests.
	InsecureTLS bool

	// Direct bypasses the global proxy list for matching requests.
	Direct bool
}

// Resolver resolves URLs against an ordered rule list plus a global fallback.
// The zero value resolves everything to a direct, verified connection.
type Resolver struct {
	rules         []Rule
	globalProxies []string
}

// NewResolver builds a resolver from ordered rules and an optional global
// proxy list used when no rule matches.
func NewResolver(rules []Rule, globalProxies []string) *Resolver {
	return &Resolver{rules: rules, globalProxies: globalProxies}
}

// Resolve returns the transport policy for targetURL. It is a pure function:
// no side effects, no error conditions.
func (r *Resolver) Resolve(targetURL string) Policy {
	if r == nil {
		return Policy{}
	}

	lower := strings.ToLower(targetURL)
	for _, rule := range r.rules {
		if !rule.matches(lower) {
			continue
		}

		if rule.Direct {
			return Policy{InsecureTLS: rule.InsecureTLS}
		}
		if rule.Proxy != "" {
			return Policy{Proxy: rule.Proxy, InsecureTLS: rule.InsecureTLS}
		}
		if rule.InsecureTLS {
			return Policy{InsecureTLS: true}
		}
		// Rule matched but carries no directive; keep the global fallback.
		break
	}

	if len(r.globalProxies) > 0 {
		return Policy{Proxy: r.globalProxies[0]}
	}

	return Policy{}
}

// Rules returns a copy of the configured rules, for diagnostics.
func (r *Resolver) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

func (rl Rule) matches(lowerURL string) bool {
	if rl.Pattern == "*" {
		return true
	}
	return rl.Pattern != "" && strings.Contains(lowerURL, strings.ToLower(rl.Pattern))
}
