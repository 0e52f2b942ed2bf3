// Package colsel implements the column-selection language used for logged
// attributes: an ordered list of entries applied left to right, where "*"
// expands to every attribute currently present, "-x" removes x, a bare name
// adds it, and an entry containing glob metacharacters adds (or, negated,
// removes) every present attribute it matches.
//
// Exclusions only have a defined effect on entries added before them, so "-x"
// entries belong after "*" in the list. That ordering is a documented contract
// of the list, not something this package re-sorts.
package colsel

import (
	"strings"

	"github.com/gobwas/glob"

	"changelogs/common"
)

// Wildcard is the selection entry matching every attribute currently present.
const Wildcard = "*"

// Selection is an ordered column-selection list.
type Selection []string

// IsExclusion reports whether entry is a negated token and returns the
// negated body.
func IsExclusion(entry string) (string, bool) {
	if strings.HasPrefix(entry, "-") && len(entry) > 1 {
		return entry[1:], true
	}
	return "", false
}

// IsPattern reports whether entry is a glob pattern rather than a concrete
// attribute name. The lone wildcard token is not a pattern; it has its own
// expansion rule.
func IsPattern(entry string) bool {
	if body, neg := IsExclusion(entry); neg {
		entry = body
	}
	return entry != Wildcard && strings.ContainsAny(entry, "*?[{")
}

// IsConcrete reports whether entry is a plain attribute name: not the
// wildcard, not negated, not a glob pattern.
func IsConcrete(entry string) bool {
	if entry == Wildcard || entry == "" {
		return false
	}
	if _, neg := IsExclusion(entry); neg {
		return false
	}
	return !IsPattern(entry)
}

// matchPattern compiles body as a glob and reports matches against present
// attributes. A body that fails to compile is treated as a literal name.
func matchPattern(body string, present []string) []string {
	g, err := glob.Compile(body)
	if err != nil {
		return []string{body}
	}
	var out []string
	for _, attr := range present {
		if g.Match(attr) {
			out = append(out, attr)
		}
	}
	return out
}

// Apply evaluates the selection against the attributes currently present and
// returns the resulting attribute set in inclusion order.
func (s Selection) Apply(present []string) []string {
	var order []string
	included := make(map[string]struct{}, len(present))

	add := func(name string) {
		if _, ok := included[name]; ok {
			return
		}
		included[name] = struct{}{}
		order = append(order, name)
	}
	remove := func(name string) {
		if _, ok := included[name]; !ok {
			return
		}
		delete(included, name)
		for i, n := range order {
			if n == name {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
	}

	for _, entry := range s {
		switch body, neg := IsExclusion(entry); {
		case entry == Wildcard:
			for _, attr := range present {
				add(attr)
			}
		case neg && IsPattern(entry):
			for _, attr := range matchPattern(body, present) {
				remove(attr)
			}
		case neg:
			remove(body)
		case IsPattern(entry):
			for _, attr := range matchPattern(entry, present) {
				add(attr)
			}
		default:
			add(entry)
		}
	}
	return order
}

// FilterDoc returns the document restricted to the selected attributes.
// A nil document stays nil: filtering never conjures keys onto an absent row.
func (s Selection) FilterDoc(doc common.Document) common.Document {
	if doc == nil {
		return nil
	}
	selected := s.Apply(doc.Attributes())
	out := make(common.Document, len(selected))
	for _, attr := range selected {
		if v, ok := doc[attr]; ok {
			out[attr] = v
		}
	}
	return out
}

// Union appends the entries of add that s does not already contain, preserving
// order of both lists. Re-registering an entity unions its selection this way
// so tracking can only grow.
func Union(s, add []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s)+len(add))
	for _, e := range s {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	for _, e := range add {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
