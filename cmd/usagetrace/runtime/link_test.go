// link_test.go tests workspace go.mod generation.
package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/mod/modfile"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// fakeCheckout creates a directory that looks like a usagetrace source tree.
func fakeCheckout(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module "+ModulePath+"\n\ngo 1.25\n")
	writeFile(t, filepath.Join(root, "usage", "api.go"), "package usage\n")
	return root
}

// TestFindModule verifies go.mod discovery from a nested directory.
func TestFindModule(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module example.com/app\n\ngo 1.25\n")
	nested := filepath.Join(root, "internal", "server")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	mod, err := FindModule(nested)
	if err != nil {
		t.Fatalf("FindModule() error = %v", err)
	}
	if mod.Path != "example.com/app" {
		t.Errorf("Path = %q, want example.com/app", mod.Path)
	}
	if mod.Dir != root {
		t.Errorf("Dir = %q, want %q", mod.Dir, root)
	}
}

// TestFindModule_None: a tree without go.mod reports ErrNoModule.
func TestFindModule_None(t *testing.T) {
	// Filesystem roots in CI rarely carry a go.mod, but guard anyway.
	if _, err := os.Stat("/go.mod"); err == nil {
		t.Skip("filesystem root has a go.mod")
	}
	_, err := FindModule(t.TempDir())
	if !errors.Is(err, ErrNoModule) {
		t.Errorf("expected ErrNoModule, got %v", err)
	}
}

// TestWriteModFile tests the generated workspace go.mod.
//
// Test Case:
//
//	module example.com/app
//	require example.com/lib v1.2.0
//	replace example.com/lib => ../lib
//
// Expected:
//   - module path preserved
//   - relative replace made absolute
//   - usagetrace required and replaced by the local checkout
//   - go.sum copied
func TestWriteModFile(t *testing.T) {
	checkout := fakeCheckout(t)
	t.Setenv(EnvRoot, checkout)

	src := t.TempDir()
	appDir := filepath.Join(src, "app")
	writeFile(t, filepath.Join(appDir, "go.mod"), `module example.com/app

go 1.25

require example.com/lib v1.2.0

replace example.com/lib => ../lib
`)
	writeFile(t, filepath.Join(appDir, "go.sum"), "example.com/lib v1.2.0 h1:abc=\n")

	work := t.TempDir()
	path, err := WriteModFile(work, &Module{Path: "example.com/app", Dir: appDir, GoMod: filepath.Join(appDir, "go.mod")})
	if err != nil {
		t.Fatalf("WriteModFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	file, err := modfile.Parse(path, data, nil)
	if err != nil {
		t.Fatalf("generated go.mod does not parse: %v\n%s", err, data)
	}
	if file.Module.Mod.Path != "example.com/app" {
		t.Errorf("module = %q", file.Module.Mod.Path)
	}

	replaced := map[string]string{}
	for _, rep := range file.Replace {
		replaced[rep.Old.Path] = rep.New.Path
	}
	if got, want := replaced["example.com/lib"], filepath.Join(src, "lib"); got != want {
		t.Errorf("lib replace = %q, want %q", got, want)
	}
	if got := replaced[ModulePath]; got != checkout {
		t.Errorf("usagetrace replace = %q, want %q", got, checkout)
	}

	required := false
	for _, req := range file.Require {
		if req.Mod.Path == ModulePath {
			required = true
		}
	}
	if !required {
		t.Errorf("go.mod does not require %s:\n%s", ModulePath, data)
	}

	if _, err := os.Stat(filepath.Join(work, "go.sum")); err != nil {
		t.Errorf("go.sum not copied: %v", err)
	}
}

// TestWriteModFile_NoModule: loose files get a synthetic module.
func TestWriteModFile_NoModule(t *testing.T) {
	t.Setenv(EnvRoot, fakeCheckout(t))

	path, err := WriteModFile(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("WriteModFile() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "module instrumented") {
		t.Errorf("unexpected go.mod:\n%s", data)
	}
	if !strings.Contains(string(data), ModulePath) {
		t.Errorf("runtime not required:\n%s", data)
	}
}

// TestFindProjectRoot_BadOverride verifies the override is validated.
func TestFindProjectRoot_BadOverride(t *testing.T) {
	t.Setenv(EnvRoot, t.TempDir())
	if _, err := findProjectRoot(); err == nil {
		t.Error("expected an error for a directory that is not a checkout")
	}
}

// TestIsLocalPath tests local path detection.
func TestIsLocalPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"./local", true},
		{"../sibling", true},
		{"/abs/path", true},
		{"C:\\mods\\x", true},
		{"github.com/user/repo", false},
		{"example.com/lib", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := isLocalPath(tt.path); got != tt.expected {
				t.Errorf("isLocalPath(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}
