// Package namespace derives the canonical chain namespace for an
// inbound request from its host header and path-based identity
// selectors. Every function here is pure: identical inputs always
// produce identical namespace strings.
//
// Examples:
//
//	cleaker.me                  -> "cleaker.me"
//	username.cleaker.me         -> "cleaker.me/users/username"
//	username.localhost          -> "localhost/users/username"
//	cleaker.me + /@username     -> "cleaker.me/users/username"
//	cleaker.me + /@a+b          -> "cleaker.me/relations/a+b"
//	cleaker.me + /@a/@b         -> "cleaker.me/users/a/users/b"
package namespace

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Unknown is the namespace for requests whose host cannot be determined.
const Unknown = "unknown"

// reservedLabels are host/selector labels that never name a user.
// Keep this list tiny; "me" is deliberately not reserved.
var reservedLabels = map[string]struct{}{
	"www": {},
	"api": {},
}

// IsReservedLabel reports whether a label is reserved and therefore
// cannot address a user.
func IsReservedLabel(label string) bool {
	_, ok := reservedLabels[strings.ToLower(label)]
	return ok
}

var labelStrip = regexp.MustCompile(`[^a-z0-9_-]`)

// NormalizeLabel lowercases a username label and strips every
// character outside [a-z0-9_-]. Returns "" if nothing survives or the
// result is a reserved label.
func NormalizeLabel(raw string) string {
	safe := labelStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "")
	if safe == "" || IsReservedLabel(safe) {
		return ""
	}
	return safe
}

var schemePrefix = regexp.MustCompile(`(?i)^https?://`)

// EffectiveHost reduces the host headers to a bare hostname. The
// forwarded-host header wins when present (proxies set it); it can be
// a comma-separated list, in which case the first entry is taken. Any
// scheme prefix and port suffix are stripped. Returns "" when no host
// can be determined.
func EffectiveHost(host, forwardedHost string) string {
	raw := forwardedHost
	if strings.TrimSpace(raw) == "" {
		raw = host
	}
	first := strings.TrimSpace(strings.Split(raw, ",")[0])
	first = schemePrefix.ReplaceAllString(first, "")
	return strings.TrimSpace(strings.Split(first, ":")[0])
}

// hostSubdomain returns the left-most label of a host when that label
// is a candidate username subdomain. Real domains need at least three
// labels (username.cleaker.me); two-label hosts like cleaker.me have
// no user subdomain. Development hosts are special-cased so that
// username.localhost is a user node of localhost.
func hostSubdomain(host string) string {
	var parts []string
	for _, p := range strings.Split(host, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) == 1 && parts[0] == "localhost":
		return ""
	case len(parts) == 2 && parts[1] == "localhost":
		return parts[0]
	case len(parts) < 3:
		return ""
	}
	return parts[0]
}

// canonicalPair normalizes both labels of a symmetric relation and
// joins them in lexicographic order so @a+b and @b+a address the same
// relation node. Returns "" if either label is empty or reserved.
func canonicalPair(a, b string) string {
	na, nb := NormalizeLabel(a), NormalizeLabel(b)
	if na == "" || nb == "" {
		return ""
	}
	pair := []string{na, nb}
	sort.Strings(pair)
	return pair[0] + "+" + pair[1]
}

// SelectorKind enumerates the closed set of path-based addressing
// selector forms.
type SelectorKind int

const (
	// SelectorUser is a single-user selector: /@username.
	SelectorUser SelectorKind = iota
	// SelectorRelation is a symmetric relation selector: /@a+b or /@a++b.
	SelectorRelation
	// SelectorNested is a directional nesting selector: /@a/@b.
	SelectorNested
)

// Selector is a parsed path-based identity selector.
type Selector struct {
	Kind SelectorKind
	User string // SelectorUser
	Pair string // SelectorRelation, canonical "a+b"
	A, B string // SelectorNested, order preserved
}

var (
	selectorRe = regexp.MustCompile(`^/@([^/?#]+)(?:/|$)`)
	nestedRe   = regexp.MustCompile(`^/@([^/?#]+)/@([^/?#]+)(?:/|$)`)
	relationRe = regexp.MustCompile(`\+\+?`)
)

// ParseSelector extracts the leading identity selector from a request
// path, if any. Directional nesting (/@a/@b) takes precedence over a
// single-user read of the first segment.
func ParseSelector(path string) (Selector, bool) {
	if m := nestedRe.FindStringSubmatch(path); m != nil {
		a, b := NormalizeLabel(m[1]), NormalizeLabel(m[2])
		if a != "" && b != "" {
			return Selector{Kind: SelectorNested, A: a, B: b}, true
		}
	}

	m := selectorRe.FindStringSubmatch(path)
	if m == nil {
		return Selector{}, false
	}
	raw := strings.TrimSpace(m[1])
	if raw == "" {
		return Selector{}, false
	}

	if strings.Contains(raw, "+") {
		var parts []string
		for _, p := range relationRe.Split(raw, -1) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) != 2 {
			return Selector{}, false
		}
		pair := canonicalPair(parts[0], parts[1])
		if pair == "" {
			return Selector{}, false
		}
		return Selector{Kind: SelectorRelation, Pair: pair}, true
	}

	user := NormalizeLabel(raw)
	if user == "" {
		return Selector{}, false
	}
	return Selector{Kind: SelectorUser, User: user}, true
}

// Resolve maps a request's host headers and path to its canonical
// chain namespace. Precedence: dev .localhost hosts, then path-based
// selectors (only when the host does not already name a user
// subdomain), then the general host-based rule. An undeterminable
// host resolves to Unknown.
func Resolve(host, forwardedHost, path string) string {
	h := EffectiveHost(host, forwardedHost)
	if h == "" {
		return Unknown
	}

	// username.localhost is a user node of localhost in development.
	if strings.HasSuffix(h, ".localhost") {
		sub := strings.TrimSuffix(h, ".localhost")
		if sub != "" && !IsReservedLabel(sub) {
			return "localhost/users/" + sub
		}
		return "localhost"
	}

	// Path-based identity addressing, honored only when the host does
	// not already disambiguate a user. This keeps host-based and
	// path-based addressing from contradicting each other.
	if sel, ok := ParseSelector(path); ok {
		if sub := hostSubdomain(h); sub == "" || IsReservedLabel(sub) {
			switch sel.Kind {
			case SelectorNested:
				return h + "/users/" + sel.A + "/users/" + sel.B
			case SelectorRelation:
				return h + "/relations/" + sel.Pair
			case SelectorUser:
				return h + "/users/" + sel.User
			}
		}
	}

	// General case: left-most label is an optional username subdomain.
	sub := hostSubdomain(h)
	if sub == "" || IsReservedLabel(sub) {
		return h
	}
	root := strings.Join(strings.Split(h, ".")[1:], ".")
	if root == "" {
		return h
	}
	return root + "/users/" + sub
}

// Lens extracts the optional display lens from query parameters.
// ?me=1 (or true) selects the "me" lens; otherwise an explicit ?view=
// value is used; the default is "raw". The lens is display metadata
// only and never affects namespace scoping.
func Lens(query url.Values) string {
	me := strings.TrimSpace(query.Get("me"))
	if me == "1" || strings.EqualFold(me, "true") {
		return "me"
	}
	if view := strings.ToLower(strings.TrimSpace(query.Get("view"))); view != "" {
		return view
	}
	return "raw"
}
