// Package match implements the okserial match-expression language: a
// small query language with wildcards, regexes, quoting, attribute
// scoping, and numeric equivalence, compiled into an executable
// matcher over port attribute maps (§4.2 of the design).
package match

import (
	"fmt"
	"sort"

	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/portattr"
)

// Filter returns the subset of ports that m matches, ordered by the
// deterministic tie-break of §4.2.3 (lexicographically lowest device
// first).
func (m *Matcher) Filter(ports []portattr.PortAttributes) []portattr.PortAttributes {
	var out []portattr.PortAttributes
	for _, p := range ports {
		if m.Matches(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device() < out[j].Device() })
	return out
}

// SelectOne filters ports and requires exactly one match, returning
// NoMatchError or AmbiguousMatchError otherwise (§4.5: "exactly one
// port must match; zero or multiple → specific errors").
func (m *Matcher) SelectOne(ports []portattr.PortAttributes) (portattr.PortAttributes, error) {
	matched := m.Filter(ports)
	switch len(matched) {
	case 0:
		return portattr.PortAttributes{}, errs.NoMatch(fmt.Sprintf("no port matches %q", m.expr))
	case 1:
		return matched[0], nil
	default:
		devices := make([]string, len(matched))
		for i, p := range matched {
			devices[i] = p.Device()
		}
		return portattr.PortAttributes{}, errs.AmbiguousMatch(
			fmt.Sprintf("%d ports match %q: %v", len(matched), m.expr, devices))
	}
}
