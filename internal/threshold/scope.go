// Package threshold evaluates containment between threshold/suppress directives
// and renders them in threshold.config syntax.
package threshold

import (
	"fmt"
	"net/netip"
	"strings"
)

// Directive kinds.
const (
	KindThreshold = "threshold"
	KindSuppress  = "suppress"
)

// Tracking dimensions.
const (
	TrackBySrc  = "by_src"
	TrackByDst  = "by_dst"
	TrackByBoth = "both"
)

// Scope identifies what a directive applies to. A nil RuleID means the
// directive covers the whole ruleset.
type Scope struct {
	RulesetID uint
	RuleID    *uint
	Kind      string
	TrackBy   string
	Net       []netip.Prefix
}

// SameTarget reports whether both scopes point at the same rule-or-ruleset and kind.
func (s Scope) SameTarget(o Scope) bool {
	if s.RulesetID != o.RulesetID || s.Kind != o.Kind {
		return false
	}
	switch {
	case s.RuleID == nil && o.RuleID == nil:
		return true
	case s.RuleID == nil || o.RuleID == nil:
		return false
	default:
		return *s.RuleID == *o.RuleID
	}
}

// Contains reports whether existing already covers every packet candidate would
// match, making candidate redundant.
func Contains(existing, candidate Scope) bool {
	if !existing.SameTarget(candidate) {
		return false
	}
	if existing.TrackBy != candidate.TrackBy && existing.TrackBy != TrackByBoth {
		return false
	}
	if len(existing.Net) == 0 {
		return true
	}
	if len(candidate.Net) == 0 {
		return false
	}
	for _, c := range candidate.Net {
		if !coveredBy(c, existing.Net) {
			return false
		}
	}
	return true
}

// Overlaps reports whether the two scopes share any traffic without requiring
// either to contain the other.
func Overlaps(a, b Scope) bool {
	if !a.SameTarget(b) {
		return false
	}
	if a.TrackBy != b.TrackBy && a.TrackBy != TrackByBoth && b.TrackBy != TrackByBoth {
		return false
	}
	if len(a.Net) == 0 || len(b.Net) == 0 {
		return true
	}
	for _, p := range a.Net {
		for _, q := range b.Net {
			if p.Overlaps(q) {
				return true
			}
		}
	}
	return false
}

func coveredBy(p netip.Prefix, nets []netip.Prefix) bool {
	for _, n := range nets {
		if n.Addr().Is4() != p.Addr().Is4() {
			continue
		}
		if n.Bits() <= p.Bits() && n.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

// ParseNet parses a comma or space separated list of addresses and CIDRs.
// Bare addresses become host prefixes. An empty string means any network.
func ParseNet(s string) ([]netip.Prefix, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		if strings.Contains(f, "/") {
			p, err := netip.ParsePrefix(f)
			if err != nil {
				return nil, fmt.Errorf("invalid network %q: %w", f, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", f, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// FormatNet is the inverse of ParseNet.
func FormatNet(nets []netip.Prefix) string {
	parts := make([]string, 0, len(nets))
	for _, n := range nets {
		if n.Bits() == n.Addr().BitLen() {
			parts = append(parts, n.Addr().String())
			continue
		}
		parts = append(parts, n.String())
	}
	return strings.Join(parts, ",")
}
