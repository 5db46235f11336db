// Package instrument - Type-checking of instrumented output.
//
// Parsing proves the output is Go syntax; these tests prove it is a valid
// package. Several files of one package are instrumented separately and
// checked together, against a declaration-only copy of the runtime API.
package instrument

import (
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"sort"
	"strings"
	"testing"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// runtimeAPI declares what instrumented code may call in RuntimeImportPath.
const runtimeAPI = `package usage

type CodeUnit struct{}

type Info struct {
	Version string
	Units   int
	Enabled bool
}

func Unit(name string) *CodeUnit    { return nil }
func Called(u *CodeUnit, sig string) {}
func Init()                          {}
func Fini()                          {}
func Enabled() bool                  { return false }
func GetInfo() Info                  { return Info{} }
`

type runtimeImporter struct {
	runtime *types.Package
	std     types.Importer
}

func (r runtimeImporter) Import(path string) (*types.Package, error) {
	if path == RuntimeImportPath {
		return r.runtime, nil
	}
	return r.std.Import(path)
}

// typeCheck fails the test unless files form one valid package.
func typeCheck(t *testing.T, files map[string][]byte) {
	t.Helper()
	fset := token.NewFileSet()

	api, err := parser.ParseFile(fset, "usage.go", runtimeAPI, 0)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := (&types.Config{}).Check(RuntimeImportPath, fset, []*ast.File{api}, nil)
	if err != nil {
		t.Fatal(err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var parsed []*ast.File
	for _, name := range names {
		f, err := parser.ParseFile(fset, name, files[name], parser.ParseComments)
		if err != nil {
			t.Fatalf("%s does not parse: %v\n%s", name, err, files[name])
		}
		parsed = append(parsed, f)
	}

	var errs []string
	conf := types.Config{
		Importer: runtimeImporter{runtime: rt, std: importer.Default()},
		Error:    func(err error) { errs = append(errs, err.Error()) },
	}
	_, _ = conf.Check("example.com/app", fset, parsed, nil)
	if len(errs) > 0 {
		var dump strings.Builder
		for _, name := range names {
			dump.WriteString("// " + name + "\n")
			dump.Write(files[name])
		}
		t.Fatalf("instrumented package does not type-check:\n%s\n\n%s", strings.Join(errs, "\n"), dump.String())
	}
}

// TestDecideAndPatch_MultiFilePackage instruments two files of one package.
//
// Expected:
//   - each file declares its own unit variable
//   - the package type-checks with both files hooked
//   - it still type-checks once one file has lost all its hooks
func TestDecideAndPatch_MultiFilePackage(t *testing.T) {
	sources := map[string]string{
		"a.go": "package app\n\nfunc A() int { return B() + 1 }\n",
		"b.go": "package app\n\nfunc B() int { return 1 }\n\nfunc main() { _ = A() }\n",
	}

	out := map[string][]byte{}
	for name, src := range sources {
		res, err := DecideAndPatch("example.com/app#"+name, []byte(src), nil, Options{Filename: name, InjectRuntimeInit: true})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out[name] = res.Code
	}

	varA, varB := UnitVarName("example.com/app#a.go"), UnitVarName("example.com/app#b.go")
	if varA == varB {
		t.Fatalf("unit variables collide: %s", varA)
	}
	if !strings.Contains(string(out["a.go"]), varA) || !strings.Contains(string(out["b.go"]), varB) {
		t.Errorf("unit variables not per file:\n%s\n%s", out["a.go"], out["b.go"])
	}
	typeCheck(t, out)

	res, err := DecideAndPatch("example.com/app#a.go", out["a.go"], unit.NewSignatureSet("A() int"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	out["a.go"] = res.Code
	typeCheck(t, out)
}

// TestDecideAndPatch_KeepsOwnRuntimeImport: a file calling the runtime
// itself keeps the import after its hooks are gone.
func TestDecideAndPatch_KeepsOwnRuntimeImport(t *testing.T) {
	const name = "example.com/app#status.go"
	src := []byte(`package app

import usagetrace "github.com/kolkov/usagetrace/usage"

func Status() int {
	return usagetrace.GetInfo().Units
}
`)

	load, err := DecideAndPatch(name, src, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(load.Code), RuntimeImportPath) != 1 {
		t.Errorf("runtime imported more than once:\n%s", load.Code)
	}
	typeCheck(t, map[string][]byte{"status.go": load.Code})

	done, err := DecideAndPatch(name, load.Code, unit.NewSignatureSet("Status() int"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !done.Changed {
		t.Fatal("expected the hook to be removed")
	}
	if !strings.Contains(string(done.Code), RuntimeImportPath) {
		t.Errorf("runtime import removed although still used:\n%s", done.Code)
	}
	if strings.Contains(string(done.Code), UnitVar) {
		t.Errorf("unit variable left behind:\n%s", done.Code)
	}
	typeCheck(t, map[string][]byte{"status.go": done.Code})
}

// TestStrip_UnhashedUnitVar: files instrumented with the plain variable
// name are still recognised and rewritten.
func TestStrip_UnhashedUnitVar(t *testing.T) {
	src := []byte(`package app

import usagetrace "github.com/kolkov/usagetrace/usage"

var usagetraceUnit = usagetrace.Unit("example.com/app#old.go")

func Old() {
	usagetrace.Called(usagetraceUnit, "Old()")
}
`)
	insp := mustInspect(t, src)
	if insp.UnitName != "example.com/app#old.go" || !insp.Hooks.Has("Old()") {
		t.Fatalf("unexpected inspection: %+v", insp)
	}

	res, err := DecideAndPatch("example.com/app#old.go", src, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || strings.Contains(string(res.Code), "usagetraceUnit ") {
		t.Errorf("plain unit variable not replaced:\n%s", res.Code)
	}
	typeCheck(t, map[string][]byte{"old.go": res.Code})
}

func TestUnitVarName(t *testing.T) {
	got := UnitVarName("github.com/acme/app#server.go")
	if got != "usagetraceUnit_4d8a49ee" {
		t.Errorf("UnitVarName() = %q", got)
	}
	if !token.IsIdentifier(got) || !isUnitVar(got) || !isUnitVar(UnitVar) || isUnitVar("usagetraceUnits") {
		t.Errorf("unit variable recognition broken for %q", got)
	}
}
