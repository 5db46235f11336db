package policy

import "strings"

// Flags widen eligibility beyond what rules alone decide.
type Flags struct {
	IncludeBootstrap bool // units without a domain (standard library, runtime)
	IncludeUnnamed   bool // units with an empty name
	IncludeSynthetic bool // generated files
}

// SelfPrefixes are never instrumented whatever the rules say: the engine's
// own code and the toolkit that rewrites source.
var SelfPrefixes = []string{
	"github.com/kolkov/usagetrace",
	"golang.org/x/tools",
}

// Policy decides which units are eligible for instrumentation.
type Policy struct {
	rules []Rule
	flags Flags
}

// New combines builtin and user rules, builtin first, so a user rule can
// override a builtin one.
func New(builtin, user []Rule, flags Flags) *Policy {
	rules := make([]Rule, 0, len(builtin)+len(user))
	rules = append(rules, builtin...)
	rules = append(rules, user...)
	return &Policy{rules: rules, flags: flags}
}

// Rules returns the effective rule list in evaluation order.
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Flags returns the inclusion flags.
func (p *Policy) Flags() Flags {
	return p.flags
}

// Eligible reports whether the unit called name may be instrumented.
func (p *Policy) Eligible(name string) bool {
	include, _, _ := p.Explain(name)
	return include
}

// Explain returns the verdict for name together with the deciding rule.
// decided is false when no rule matched and the verdict was inferred from
// the polarity of the last rule.
func (p *Policy) Explain(name string) (include bool, by Rule, decided bool) {
	if isSelf(Normalize(name)) {
		return false, Rule{Kind: Prefix, Text: "<self>", Negated: true}, true
	}
	if len(p.rules) == 0 {
		return false, Rule{}, false
	}
	for i := len(p.rules) - 1; i >= 0; i-- {
		if inc, ok := p.rules[i].Eval(name); ok {
			return inc, p.rules[i], true
		}
	}
	// A trailing exclusion means the user was carving holes out of
	// everything; a trailing inclusion means they listed what they want.
	last := p.rules[len(p.rules)-1]
	return !last.Include(), Rule{}, false
}

func isSelf(name string) bool {
	for _, p := range SelfPrefixes {
		if name == p || strings.HasPrefix(name, p+"/") {
			return true
		}
	}
	return false
}
