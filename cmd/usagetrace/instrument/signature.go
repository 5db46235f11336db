// Package instrument - Function signature extraction.
package instrument

import (
	"go/ast"
	"go/types"
	"strings"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// SignatureOf returns the signature identifying fn within its file.
//
// The signature is built from the declaration alone (no type checking), so
// parameter types appear exactly as written:
//
//	func (s *Server) Handle(ctx context.Context, r *Request) (int, error)
//	  → (*Server).Handle(context.Context, *Request) (int, error)
//	func Map[K comparable, V any](m map[K]V, f func(V) V) map[K]V
//	  → Map[K comparable, V any](map[K]V, func(V) V) map[K]V
//
// Parameter and result names are dropped, so renaming a parameter does not
// change the signature.
func SignatureOf(fn *ast.FuncDecl) unit.Signature {
	var b strings.Builder

	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		b.WriteByte('(')
		b.WriteString(types.ExprString(fn.Recv.List[0].Type))
		b.WriteString(").")
	}
	b.WriteString(fn.Name.Name)

	if tp := fn.Type.TypeParams; tp != nil && len(tp.List) > 0 {
		b.WriteByte('[')
		for i, field := range tp.List {
			if i > 0 {
				b.WriteString(", ")
			}
			for j, name := range field.Names {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteString(name.Name)
			}
			b.WriteByte(' ')
			b.WriteString(types.ExprString(field.Type))
		}
		b.WriteByte(']')
	}

	params := fieldTypes(fn.Type.Params)
	b.WriteByte('(')
	b.WriteString(strings.Join(params, ", "))
	b.WriteByte(')')

	switch results := fieldTypes(fn.Type.Results); len(results) {
	case 0:
	case 1:
		b.WriteByte(' ')
		b.WriteString(results[0])
	default:
		b.WriteString(" (")
		b.WriteString(strings.Join(results, ", "))
		b.WriteByte(')')
	}
	return unit.Signature(b.String())
}

// fieldTypes expands a field list to one type per declared name.
func fieldTypes(fields *ast.FieldList) []string {
	if fields == nil {
		return nil
	}
	var out []string
	for _, f := range fields.List {
		typ := types.ExprString(f.Type)
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, typ)
		}
	}
	return out
}
