// Package instrument implements source-level instrumentation for usage
// tracking: it decides which functions of a Go file carry a call hook and
// produces the rewritten source.
//
// Algorithm (DecideAndPatch):
//  1. Parse the file using go/parser
//  2. Strip any instrumentation already present, remembering the hook set
//  3. Enumerate patchable functions (see visitor.go)
//  4. Hook every patchable function whose signature was not observed yet
//  5. Inject the runtime import and unit variable (see inject.go)
//  6. Compare the new hook set with the stripped one; print only on change
//
// Because every pass strips before it injects, the output depends only on
// the original code and the observed set: a function that has been used is
// simply never hooked again, and a function never used keeps its hook in
// every pass.
//
// Example Transformation (observed = {"b()"}):
//
//	// INPUT:
//	package app
//
//	func a() {}
//	func b() {}
//
//	// OUTPUT:
//	package app
//
//	import usagetrace "github.com/kolkov/usagetrace/usage"
//
//	var usagetraceUnit_7865f242 = usagetrace.Unit("example.com/app#a.go")
//
//	func a() {
//		usagetrace.Called(usagetraceUnit_7865f242, "a()")
//	}
//	func b() {}
//
// Thread Safety: Functions in this package are safe for concurrent use on
// different inputs; nothing is shared between calls.
package instrument

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

const (
	// RuntimeImportPath is the package injected code calls into.
	RuntimeImportPath = "github.com/kolkov/usagetrace/usage"

	// RuntimePackageAlias is the local name of RuntimeImportPath in
	// instrumented files.
	RuntimePackageAlias = "usagetrace"

	// UnitVar names the per-file variable holding the unit handle.
	UnitVar = "usagetraceUnit"

	// HookFunc is the function every hook calls.
	HookFunc = "Called"
)

// Options tunes DecideAndPatch.
type Options struct {
	// Filename is used in error positions. Defaults to the unit name.
	Filename string

	// InjectRuntimeInit adds usagetrace.Init() and defer usagetrace.Fini()
	// to func main. Used when building a program, never on hot swap.
	InjectRuntimeInit bool
}

// Result is the outcome of one DecideAndPatch call.
type Result struct {
	// Code is the new source, or nil when nothing changed and the input
	// should stay in effect.
	Code []byte

	// Changed reports whether Code is non-nil.
	Changed bool

	// Functions lists every function declared in the file.
	Functions unit.SignatureSet

	// Patchable lists the functions allowed to carry a hook.
	Patchable unit.SignatureSet

	// Hooks lists the functions hooked after this pass (whether or not
	// anything changed).
	Hooks unit.SignatureSet

	Stats Stats
}

// DecideAndPatch derives the instrumented form of src for a unit whose
// functions in observed have already been seen running.
//
// Returns ErrUnnamedUnit for an empty unitName and *InstrumentationError
// when src cannot be parsed or printed.
//
// Thread Safety: Safe for concurrent use.
func DecideAndPatch(unitName string, src []byte, observed unit.SignatureSet, opts Options) (*Result, error) {
	if unitName == "" {
		return nil, ErrUnnamedUnit
	}
	filename := opts.Filename
	if filename == "" {
		filename = unitName
	}

	// Step 1: Parse, keeping comments for the printed output.
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, parseError(filename, err)
	}

	// Step 2: Remove what a previous pass added.
	before := strip(fset, file)

	// Step 3: Decide.
	v := collectFunctions(file)
	patchable := v.patchable()
	hooked := unit.NewSignatureSet()
	for sig := range patchable {
		if observed.Has(sig) {
			v.stats.Observed++
			continue
		}
		hooked.Add(sig)
	}
	v.stats.Hooked = hooked.Len()

	result := &Result{
		Functions: v.declared(),
		Patchable: patchable,
		Hooks:     hooked,
		Stats:     v.stats,
	}

	wantInit := opts.InjectRuntimeInit && mainFunc(file) != nil
	unchanged := hooked.Equal(before.hooks) &&
		wantInit == before.runtimeInit &&
		before.hasUnitDecl == (hooked.Len() > 0) &&
		(hooked.Len() == 0 || (before.unitName == unitName && before.unitVar == UnitVarName(unitName)))
	if unchanged {
		return result, nil
	}

	// Step 4: Inject and print.
	inject(fset, file, unitName, v, hooked, wantInit)

	code, err := printFile(fset, file)
	if err != nil {
		return nil, NewInstrumentationErrorWithSuggestion(fset, file.Package,
			fmt.Sprintf("failed to generate code: %v", err),
			"Report this file; the instrumented AST could not be printed")
	}
	result.Code = code
	result.Changed = true
	return result, nil
}

// printFile renders file the way gofmt would.
func printFile(fset *token.FileSet, file *ast.File) ([]byte, error) {
	var buf bytes.Buffer
	cfg := &printer.Config{
		Mode:     printer.UseSpaces | printer.TabIndent,
		Tabwidth: 8,
	}
	if err := cfg.Fprint(&buf, fset, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inspection describes the functions and instrumentation of a file.
type Inspection struct {
	Package     string
	Functions   unit.SignatureSet // every declared function
	Patchable   unit.SignatureSet // functions allowed to carry a hook
	Hooks       unit.SignatureSet // functions currently hooked
	UnitName    string            // name registered by the unit variable, if any
	Generated   bool              // file carries a "Code generated ... DO NOT EDIT." header
	RuntimeInit bool              // main starts and stops tracking
}

// Inspect parses src and reports its functions and instrumentation without
// changing anything.
func Inspect(filename string, src []byte) (*Inspection, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, parseError(filename, err)
	}
	generated := ast.IsGenerated(file)
	ex := strip(fset, file)
	v := collectFunctions(file)
	return &Inspection{
		Package:     file.Name.Name,
		Functions:   v.declared(),
		Patchable:   v.patchable(),
		Hooks:       ex.hooks,
		UnitName:    ex.unitName,
		Generated:   generated,
		RuntimeInit: ex.runtimeInit,
	}, nil
}
