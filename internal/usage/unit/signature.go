package unit

import (
	"sort"
	"strings"
)

// Signature identifies one function within a unit: receiver, name, type
// parameters and the parameter/result shape.
//
// Examples:
//
//	main()
//	parse(string) (int, error)
//	(*Server).Handle(context.Context, *Request) error
//	Map[K comparable, V any](map[K]V, func(V) V) map[K]V
type Signature string

// Name returns the receiver-qualified function name without the shape,
// for example "(*Server).Handle".
func (s Signature) Name() string {
	return string(s[:s.shapeStart()])
}

// Shape returns the parameter/result part of the signature, for example
// "(context.Context, *Request) error".
func (s Signature) Shape() string {
	return string(s[s.shapeStart():])
}

// shapeStart returns the index of the opening parenthesis of the parameter
// list, skipping a leading receiver and any type parameter list.
func (s Signature) shapeStart() int {
	str := string(s)
	i := 0
	if strings.HasPrefix(str, "(") {
		i = matching(str, 0, '(', ')') + 1
		if i <= 0 {
			return len(str)
		}
	}
	for i < len(str) {
		switch str[i] {
		case '[':
			end := matching(str, i, '[', ']')
			if end < 0 {
				return len(str)
			}
			i = end + 1
		case '(':
			return i
		default:
			i++
		}
	}
	return len(str)
}

// matching returns the index of the bracket closing the one at start.
func matching(s string, start int, open, closing byte) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// SignatureSet is a set of signatures. The zero value is an empty, read-only
// set; use NewSignatureSet for a writable one.
type SignatureSet map[Signature]struct{}

// NewSignatureSet returns a set holding sigs.
func NewSignatureSet(sigs ...Signature) SignatureSet {
	s := make(SignatureSet, len(sigs))
	for _, sig := range sigs {
		s[sig] = struct{}{}
	}
	return s
}

// Has reports whether sig is in the set.
func (s SignatureSet) Has(sig Signature) bool {
	_, ok := s[sig]
	return ok
}

// Add inserts sig.
func (s SignatureSet) Add(sig Signature) {
	s[sig] = struct{}{}
}

// Len returns the number of signatures.
func (s SignatureSet) Len() int { return len(s) }

// Equal reports whether both sets hold the same signatures.
func (s SignatureSet) Equal(o SignatureSet) bool {
	if len(s) != len(o) {
		return false
	}
	for sig := range s {
		if !o.Has(sig) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s SignatureSet) Clone() SignatureSet {
	c := make(SignatureSet, len(s))
	for sig := range s {
		c[sig] = struct{}{}
	}
	return c
}

// Minus returns the signatures of s that are not in o.
func (s SignatureSet) Minus(o SignatureSet) SignatureSet {
	d := make(SignatureSet)
	for sig := range s {
		if !o.Has(sig) {
			d[sig] = struct{}{}
		}
	}
	return d
}

// Sorted returns the signatures in lexical order.
func (s SignatureSet) Sorted() []Signature {
	out := make([]Signature, 0, len(s))
	for sig := range s {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
