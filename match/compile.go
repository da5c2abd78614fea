package match

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/portattr"
)

// scopeKind distinguishes how a term's attr prefix, if any, resolves
// against the actual attribute keys of a port.
type scopeKind int

const (
	scopeNone scopeKind = iota
	scopePrefix
)

// rule is one compiled term: a regex plus the scoping metadata needed
// to know which attribute(s) it applies to.
type rule struct {
	scope      scopeKind
	resolved   string // resolved attribute key, for scopePrefix
	rx         *regexp.Regexp
	source     string // original term text, for diagnostics
}

// Matcher is a compiled match expression: an ordered, conjunctive list
// of term rules (§3, §4.2.2). All terms must match for Matches to
// accept a PortAttributes.
type Matcher struct {
	expr  string
	rules []rule
}

// String returns the original expression text.
func (m *Matcher) String() string { return m.expr }

// Compile parses and compiles a match expression (§4.2.1-4.2.2). Scoped
// attribute prefixes are resolved once, here, against
// portattr.WellKnownKeys (see resolveAttrPrefix); a name outside that
// list is used verbatim and is not matched as a prefix of a port's own
// keys.
func Compile(expr string) (*Matcher, error) {
	terms, err := lexTerms(expr)
	if err != nil {
		return nil, errs.Parse(fmt.Sprintf("bad match expression %q", expr), err)
	}

	rules := make([]rule, 0, len(terms))
	for _, t := range terms {
		r, err := compileTerm(t)
		if err != nil {
			return nil, errs.Parse(fmt.Sprintf("bad match expression %q", expr), err)
		}
		rules = append(rules, r)
	}

	return &Matcher{expr: expr, rules: rules}, nil
}

func compileTerm(t term) (rule, error) {
	switch {
	case t.isRegex && !t.scoped:
		rx, err := regexp.Compile(t.regexSrc)
		if err != nil {
			return rule{}, fmt.Errorf("bad regex /%s/: %w", t.regexSrc, err)
		}
		return rule{scope: scopeNone, rx: rx, source: t.regexSrc}, nil

	case t.isRegex && t.scoped:
		resolved, err := resolveAttrPrefix(t.attr)
		if err != nil {
			return rule{}, err
		}
		rx, err := regexp.Compile(t.regexSrc)
		if err != nil {
			return rule{}, fmt.Errorf("bad regex /%s/: %w", t.regexSrc, err)
		}
		return rule{scope: scopePrefix, resolved: resolved, rx: rx, source: t.regexSrc}, nil

	case t.scoped:
		// ATTR=VALUE: case-insensitive, whole-value, wildcards preserved.
		resolved, err := resolveAttrPrefix(t.attr)
		if err != nil {
			return rule{}, err
		}
		rx, err := literalRegex(t.literal, true /* anchor */)
		if err != nil {
			return rule{}, err
		}
		return rule{scope: scopePrefix, resolved: resolved, rx: rx, source: t.literal}, nil

	default:
		// unscoped VALUE: case-insensitive, word-boundary wrapped, with
		// hex/decimal numeric equivalence.
		if n, ok := parseIntLiteral(t.literal); ok {
			rx, err := numericEquivalenceRegex(n)
			if err != nil {
				return rule{}, err
			}
			return rule{scope: scopeNone, rx: rx, source: t.literal}, nil
		}
		rx, err := literalRegex(t.literal, false /* anchor */)
		if err != nil {
			return rule{}, err
		}
		return rule{scope: scopeNone, rx: rx, source: t.literal}, nil
	}
}

// literalRegex turns a glob literal (wildcards * and ?) into a case-
// insensitive regex. When anchor is true the whole value must match
// (ATTR=VALUE); otherwise the match is word-boundary wrapped so it
// only matches a whole "word" occurrence within the value.
func literalRegex(lit string, anchor bool) (*regexp.Regexp, error) {
	var b strings.Builder
	for _, r := range lit {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	body := b.String()

	var pattern string
	if anchor {
		pattern = "(?i)^(?:" + body + ")$"
	} else {
		pattern = `(?i)\b(?:` + body + `)\b`
	}

	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad literal %q: %w", lit, err)
	}
	return rx, nil
}

// parseIntLiteral reports whether lit is a bare decimal or 0x-prefixed
// hex integer literal, and its value if so.
func parseIntLiteral(lit string) (int64, bool) {
	if lit == "" {
		return 0, false
	}
	base := 10
	s := lit
	if strings.HasPrefix(strings.ToLower(lit), "0x") {
		base = 16
		s = lit[2:]
	}
	v, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// numericEquivalenceRegex matches a value that parses, in either
// decimal or 0x-hex form, to the same integer n (§4.2.2, e.g. 1234
// matches "0x4D2").
func numericEquivalenceRegex(n int64) (*regexp.Regexp, error) {
	dec := strconv.FormatInt(n, 10)
	hex := strconv.FormatInt(n, 16)
	pattern := fmt.Sprintf(`(?i)\b(?:%s|0x0*%s)\b`, regexp.QuoteMeta(dec), regexp.QuoteMeta(hex))
	return regexp.Compile(pattern)
}

// Matches reports whether every rule in m accepts attr (§4.2.3).
func (m *Matcher) Matches(attr portattr.PortAttributes) bool {
	for _, r := range m.rules {
		if !r.matchesAttr(attr) {
			return false
		}
	}
	return true
}

func (r rule) matchesAttr(attr portattr.PortAttributes) bool {
	switch r.scope {
	case scopePrefix:
		v, ok := attr.Get(r.resolved)
		if !ok {
			return false
		}
		return r.rx.MatchString(v)
	default:
		for _, k := range attr.Keys() {
			v, _ := attr.Get(k)
			if r.rx.MatchString(v) {
				return true
			}
		}
		return false
	}
}

// resolveAttrPrefix resolves ATTR against the well-known attribute key
// universe (§3) at compile time: ATTR selects the unique well-known key
// of which it is a case-insensitive prefix. An exact (case-insensitive)
// match always wins outright. A prefix matching more than one
// well-known key is a compile error (§4.2.2). A prefix matching none of
// the well-known keys is assumed to name a custom/extension attribute
// verbatim, since the attribute schema is open-ended (§3, §9).
func resolveAttrPrefix(attr string) (string, error) {
	lower := strings.ToLower(attr)

	for _, k := range portattr.WellKnownKeys() {
		if k == lower {
			return k, nil
		}
	}

	var candidates []string
	for _, k := range portattr.WellKnownKeys() {
		if strings.HasPrefix(k, lower) {
			candidates = append(candidates, k)
		}
	}
	switch len(candidates) {
	case 0:
		return lower, nil
	case 1:
		return candidates[0], nil
	default:
		return "", fmt.Errorf("ambiguous attribute prefix %q matches %s", attr, strings.Join(candidates, ", "))
	}
}
