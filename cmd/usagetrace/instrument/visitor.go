// Package instrument - Function enumeration.
//
// This file walks a file's top-level declarations and classifies every
// function as patchable or not.
package instrument

import (
	"go/ast"
	"strings"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Stats tracks what one instrumentation pass did.
//
// Use Case:
// Printed by `usagetrace build -v`:
//
//	usagetrace: server.go: 12 functions, 9 hooked, 2 observed, 1 skipped
//
// Thread Safety: NOT thread-safe (single-threaded instrumentation).
type Stats struct {
	Functions        int // Function declarations seen
	Hooked           int // Functions carrying a hook after the pass
	Observed         int // Patchable functions left unhooked because they were used
	SkippedNoBody    int // Declarations without a body (assembly, linkname)
	SkippedInit      int // init and blank functions
	SkippedDirective int // Functions whose compiler directives forbid a hook
}

// Skipped returns the number of functions that can never carry a hook.
func (s *Stats) Skipped() int {
	return s.SkippedNoBody + s.SkippedInit + s.SkippedDirective
}

// skipDirectives mark functions that must not grow an extra call: they run
// without a full stack or write barriers, or are called from C.
var skipDirectives = []string{
	"//go:nosplit",
	"//go:linkname",
	"//go:systemstack",
	"//go:nowritebarrier",
	"//go:nowritebarrierrec",
	"//go:uintptrescapes",
	"//export ",
}

// function is one top-level function declaration.
type function struct {
	decl      *ast.FuncDecl
	sig       unit.Signature
	patchable bool
}

// functionVisitor collects the top-level functions of a file.
type functionVisitor struct {
	functions []function
	stats     Stats
}

func collectFunctions(file *ast.File) *functionVisitor {
	v := &functionVisitor{}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		v.visitFunc(fn)
	}
	return v
}

func (v *functionVisitor) visitFunc(fn *ast.FuncDecl) {
	v.stats.Functions++
	f := function{decl: fn, sig: SignatureOf(fn)}

	switch {
	case fn.Body == nil:
		v.stats.SkippedNoBody++
	case fn.Name.Name == "_", fn.Recv == nil && fn.Name.Name == "init":
		v.stats.SkippedInit++
	case hasSkipDirective(fn.Doc):
		v.stats.SkippedDirective++
	default:
		f.patchable = true
	}
	v.functions = append(v.functions, f)
}

func hasSkipDirective(doc *ast.CommentGroup) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		for _, d := range skipDirectives {
			if c.Text == strings.TrimSpace(d) || strings.HasPrefix(c.Text, d) {
				return true
			}
		}
	}
	return false
}

// declared returns the signatures of every function.
func (v *functionVisitor) declared() unit.SignatureSet {
	set := unit.NewSignatureSet()
	for _, f := range v.functions {
		set.Add(f.sig)
	}
	return set
}

// patchable returns the signatures of functions that may carry a hook.
func (v *functionVisitor) patchable() unit.SignatureSet {
	set := unit.NewSignatureSet()
	for _, f := range v.functions {
		if f.patchable {
			set.Add(f.sig)
		}
	}
	return set
}

// mainFunc returns func main of package main, if present with a body.
func mainFunc(file *ast.File) *ast.FuncDecl {
	if file.Name == nil || file.Name.Name != "main" {
		return nil
	}
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if ok && fn.Recv == nil && fn.Name.Name == "main" && fn.Body != nil {
			return fn
		}
	}
	return nil
}
