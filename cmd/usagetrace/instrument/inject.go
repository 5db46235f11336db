// Package instrument - Hook and import injection.
//
// Everything this package adds to a file is recognisable and can be removed
// again, which is what makes re-derivation idempotent:
//
//	import usagetrace "github.com/kolkov/usagetrace/usage"
//
//	var usagetraceUnit_4d8a49ee = usagetrace.Unit("github.com/acme/app#server.go")
//
//	func (s *Server) Handle(ctx context.Context) error {
//		usagetrace.Called(usagetraceUnit_4d8a49ee, "(*Server).Handle(context.Context) error")
//		...
//	}
//
//	func main() {
//		usagetrace.Init()
//		defer usagetrace.Fini()
//		...
//	}
package instrument

import (
	"fmt"
	"go/ast"
	"go/token"
	"hash/fnv"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// UnitVarName returns the variable holding the handle of unitName. Files of
// one package share a scope, so the name carries a hash of the unit name,
// which differs per file.
func UnitVarName(unitName string) string {
	h := fnv.New32a()
	h.Write([]byte(unitName))
	return fmt.Sprintf("%s_%08x", UnitVar, h.Sum32())
}

// isUnitVar reports whether name is a unit variable, hashed or not.
func isUnitVar(name string) bool {
	return name == UnitVar || strings.HasPrefix(name, UnitVar+"_")
}

// hookCall builds: usagetrace.Called(<unitVar>, "<sig>")
func hookCall(unitVar string, sig unit.Signature) ast.Stmt {
	return &ast.ExprStmt{X: &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(RuntimePackageAlias),
			Sel: ast.NewIdent(HookFunc),
		},
		Args: []ast.Expr{
			ast.NewIdent(unitVar),
			&ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(string(sig))},
		},
	}}
}

// unitDecl builds: var <unitVar> = usagetrace.Unit("<name>")
func unitDecl(unitName string) *ast.GenDecl {
	return &ast.GenDecl{
		Tok: token.VAR,
		Specs: []ast.Spec{&ast.ValueSpec{
			Names: []*ast.Ident{ast.NewIdent(UnitVarName(unitName))},
			Values: []ast.Expr{&ast.CallExpr{
				Fun: &ast.SelectorExpr{
					X:   ast.NewIdent(RuntimePackageAlias),
					Sel: ast.NewIdent("Unit"),
				},
				Args: []ast.Expr{&ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(unitName)}},
			}},
		}},
	}
}

// runtimeInit builds the statements that start and stop tracking in main.
func runtimeInit() []ast.Stmt {
	return []ast.Stmt{
		&ast.ExprStmt{X: runtimeCall("Init")},
		&ast.DeferStmt{Call: runtimeCall("Fini")},
	}
}

func runtimeCall(name string) *ast.CallExpr {
	return &ast.CallExpr{Fun: &ast.SelectorExpr{
		X:   ast.NewIdent(RuntimePackageAlias),
		Sel: ast.NewIdent(name),
	}}
}

// isRuntimeSelector reports whether e is usagetrace.<name>.
func isRuntimeSelector(e ast.Expr, name string) bool {
	sel, ok := e.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != name {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	return ok && x.Name == RuntimePackageAlias
}

// hookSignature returns the signature reported by stmt if stmt is a hook.
func hookSignature(stmt ast.Stmt) (unit.Signature, bool) {
	es, ok := stmt.(*ast.ExprStmt)
	if !ok {
		return "", false
	}
	call, ok := es.X.(*ast.CallExpr)
	if !ok || !isRuntimeSelector(call.Fun, HookFunc) || len(call.Args) != 2 {
		return "", false
	}
	if id, ok := call.Args[0].(*ast.Ident); !ok || !isUnitVar(id.Name) {
		return "", false
	}
	lit, ok := call.Args[1].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	sig, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return unit.Signature(sig), true
}

// isRuntimeInit reports whether stmt is usagetrace.Init() or
// defer usagetrace.Fini().
func isRuntimeInit(stmt ast.Stmt) bool {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		call, ok := s.X.(*ast.CallExpr)
		return ok && len(call.Args) == 0 && isRuntimeSelector(call.Fun, "Init")
	case *ast.DeferStmt:
		return len(s.Call.Args) == 0 && isRuntimeSelector(s.Call.Fun, "Fini")
	}
	return false
}

// isUnitDecl reports whether decl is the injected unit variable, returning
// the unit name it registers and the variable's name.
func isUnitDecl(decl ast.Decl) (name, varName string, ok bool) {
	gd, isGen := decl.(*ast.GenDecl)
	if !isGen || gd.Tok != token.VAR || len(gd.Specs) != 1 {
		return "", "", false
	}
	vs, isValue := gd.Specs[0].(*ast.ValueSpec)
	if !isValue || len(vs.Names) != 1 || !isUnitVar(vs.Names[0].Name) || len(vs.Values) != 1 {
		return "", "", false
	}
	varName = vs.Names[0].Name
	call, isCall := vs.Values[0].(*ast.CallExpr)
	if !isCall || !isRuntimeSelector(call.Fun, "Unit") || len(call.Args) != 1 {
		return "", "", false
	}
	if lit, isLit := call.Args[0].(*ast.BasicLit); isLit {
		name, _ = strconv.Unquote(lit.Value)
	}
	return name, varName, true
}

// existing describes the instrumentation already present in a file.
type existing struct {
	hooks       unit.SignatureSet
	unitName    string
	unitVar     string
	hasUnitDecl bool
	runtimeInit bool
}

// strip removes every piece of instrumentation from file and reports what
// was there.
//
// Thread Safety: NOT thread-safe (modifies AST in place).
func strip(fset *token.FileSet, file *ast.File) existing {
	ex := existing{hooks: unit.NewSignatureSet()}

	decls := file.Decls[:0]
	for _, decl := range file.Decls {
		if name, varName, ok := isUnitDecl(decl); ok {
			ex.unitName, ex.unitVar, ex.hasUnitDecl = name, varName, true
			continue
		}
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Body != nil {
			fn.Body.List = stripBody(fn.Body.List, &ex)
		}
		decls = append(decls, decl)
	}
	file.Decls = decls

	// The file may call the runtime itself, e.g. usagetrace.GetInfo().
	if !usesRuntimeAlias(file) {
		astutil.DeleteNamedImport(fset, file, RuntimePackageAlias, RuntimeImportPath)
	}
	return ex
}

// usesRuntimeAlias reports whether file still refers to the runtime by its
// injected import name. astutil.UsesImport looks at the first import of the
// path only, which may be the file's own import under another name.
func usesRuntimeAlias(file *ast.File) bool {
	used := false
	ast.Inspect(file, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if id, ok := sel.X.(*ast.Ident); ok && id.Name == RuntimePackageAlias && id.Obj == nil {
				used = true
			}
		}
		return !used
	})
	return used
}

// stripBody drops the leading hook and runtime-init statements of a body.
func stripBody(list []ast.Stmt, ex *existing) []ast.Stmt {
	i := 0
	for ; i < len(list); i++ {
		if sig, ok := hookSignature(list[i]); ok {
			ex.hooks.Add(sig)
			continue
		}
		if isRuntimeInit(list[i]) {
			ex.runtimeInit = true
			continue
		}
		break
	}
	return list[i:]
}

// inject adds a hook to every function in hooked, the unit variable when
// at least one hook exists, runtime start/stop to main when requested, and
// the runtime import whenever something refers to it.
//
// Thread Safety: NOT thread-safe (modifies AST in place).
func inject(fset *token.FileSet, file *ast.File, unitName string, v *functionVisitor, hooked unit.SignatureSet, withInit bool) bool {
	unitVar := UnitVarName(unitName)
	for _, f := range v.functions {
		if f.patchable && hooked.Has(f.sig) {
			f.decl.Body.List = append([]ast.Stmt{hookCall(unitVar, f.sig)}, f.decl.Body.List...)
		}
	}

	initInjected := false
	if withInit {
		if main := mainFunc(file); main != nil {
			main.Body.List = append(runtimeInit(), main.Body.List...)
			initInjected = true
		}
	}

	if hooked.Len() == 0 && !initInjected {
		return false
	}
	astutil.AddNamedImport(fset, file, RuntimePackageAlias, RuntimeImportPath)
	if hooked.Len() > 0 {
		insertAfterImports(file, unitDecl(unitName))
	}
	return initInjected
}

// insertAfterImports places decl right after the file's import block.
func insertAfterImports(file *ast.File, decl ast.Decl) {
	at := 0
	for i, d := range file.Decls {
		if gd, ok := d.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			at = i + 1
		}
	}
	file.Decls = append(file.Decls, nil)
	copy(file.Decls[at+1:], file.Decls[at:])
	file.Decls[at] = decl
}
