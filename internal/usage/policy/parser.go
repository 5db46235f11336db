package policy

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// ParseError reports a malformed rule.
type ParseError struct {
	Line   int
	Rule   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: invalid rule %q: %s", e.Line, e.Rule, e.Reason)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Reason)
}

const (
	ident   = `[A-Za-z_][A-Za-z0-9_~-]*`
	segment = `[A-Za-z0-9_~-]+`
	upper   = `[A-Z][A-Za-z0-9_]*`
	sep     = `[./]`
	qual    = ident + `(?:` + sep + segment + `)*`
)

var (
	matchAllRe       = regexp.MustCompile(`^(?:\*+|\.\.\.)$`)
	explicitPrefixRe = regexp.MustCompile(`^(` + qual + `)(?:` + sep + `\**|/\.\.\.)$`)
	explicitSuffixRe = regexp.MustCompile(`^\**` + sep + `(` + ident + `)$`)
	exactRe          = regexp.MustCompile(`^` + qual + sep + upper + `$`)
	simpleNameRe     = regexp.MustCompile(`^` + upper + `$`)
	qualifiedRe      = regexp.MustCompile(`^` + qual + `$`)
	separatorRe      = regexp.MustCompile(`[\s,;]+`)
)

// Parse parses rule text. Rules are separated by whitespace, ',' or ';';
// '#' and '//' start a comment running to the end of the line. Empty input
// yields no rules.
func Parse(text string) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(strings.NewReader(text))
	for line := 1; sc.Scan(); line++ {
		parsed, err := parseLine(sc.Text())
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Line = line
			}
			return nil, err
		}
		rules = append(rules, parsed...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return rules, nil
}

// ParseList parses one rule per element, as read from a YAML sequence.
// Elements may themselves hold several rules or comments.
func ParseList(items []string) ([]Rule, error) {
	return Parse(strings.Join(items, "\n"))
}

// MustParse is like Parse but panics on error. For builtin rule tables.
func MustParse(text string) []Rule {
	rules, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return rules
}

func parseLine(line string) ([]Rule, error) {
	line = stripComment(line)
	var rules []Rule
	for _, tok := range separatorRe.Split(line, -1) {
		if tok == "" {
			continue
		}
		r, err := ParseRule(tok)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// stripComment cuts the line at the first '#' or '//'.
func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// ParseRule parses a single rule. Each leading '!' flips the polarity.
func ParseRule(text string) (Rule, error) {
	text = strings.TrimSpace(text)
	body := text
	negated := false
	for strings.HasPrefix(body, "!") {
		negated = !negated
		body = strings.TrimSpace(body[1:])
	}
	if body == "" {
		return Rule{}, &ParseError{Rule: text, Reason: "negation of an empty rule"}
	}

	r := Rule{Text: text, Negated: negated}
	switch {
	case matchAllRe.MatchString(body):
		r.Kind = MatchAll
	case explicitPrefixRe.MatchString(body):
		r.Kind, r.Pattern = Prefix, explicitPrefixRe.FindStringSubmatch(body)[1]
	case explicitSuffixRe.MatchString(body):
		r.Kind, r.Pattern = Suffix, explicitSuffixRe.FindStringSubmatch(body)[1]
	case exactRe.MatchString(body):
		r.Kind, r.Pattern = Exact, body
	case simpleNameRe.MatchString(body):
		r.Kind, r.Pattern = Suffix, body
	case qualifiedRe.MatchString(body):
		r.Kind, r.Pattern = Prefix, body
	default:
		return Rule{}, &ParseError{Rule: body, Reason: "pattern does not match any recognized form"}
	}
	return r, nil
}
