package policy

import "strings"

// Kind identifies the shape of a rule.
type Kind int

const (
	// MatchAll matches every name (`*`, `**`, `...`).
	MatchAll Kind = iota
	// Prefix matches a name equal to the pattern or nested below it.
	Prefix
	// Suffix matches a name whose last segment equals the pattern.
	Suffix
	// Exact matches one fully qualified name.
	Exact
)

// String returns the kind name used by `usagetrace rules`.
func (k Kind) String() string {
	switch k {
	case MatchAll:
		return "match-all"
	case Prefix:
		return "prefix"
	case Suffix:
		return "suffix"
	case Exact:
		return "exact"
	default:
		return "unknown"
	}
}

// Rule is one parsed include or exclude rule.
type Rule struct {
	Kind    Kind
	Pattern string // normalised operand, e.g. "com.foo" for "com.foo.**"
	Text    string // rule as written, including any leading '!'
	Negated bool   // true for exclusion rules
}

// Include reports the polarity of the rule.
func (r Rule) Include() bool {
	return !r.Negated
}

// Eval returns the rule's verdict for name. decided is false when the rule
// does not match the name at all, in which case include is meaningless.
func (r Rule) Eval(name string) (include, decided bool) {
	if !r.matches(Normalize(name)) {
		return false, false
	}
	return r.Include(), true
}

func (r Rule) matches(name string) bool {
	switch r.Kind {
	case MatchAll:
		return true
	case Prefix:
		return name == r.Pattern ||
			strings.HasPrefix(name, r.Pattern+".") ||
			strings.HasPrefix(name, r.Pattern+"/")
	case Suffix:
		return lastSegment(name) == r.Pattern
	case Exact:
		return name == r.Pattern
	}
	return false
}

func (r Rule) String() string {
	return r.Text
}

// Normalize maps a unit name to the name rules are matched against: the
// part before any '#' (file within a package) or '$' (nested unit) marker.
func Normalize(name string) string {
	if i := strings.IndexAny(name, "#$"); i >= 0 {
		return name[:i]
	}
	return name
}

func lastSegment(name string) string {
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		return name[i+1:]
	}
	return name
}
