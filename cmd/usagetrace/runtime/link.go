// Package runtime links instrumented programs against the usagetrace runtime.
//
// Instrumented files import github.com/kolkov/usagetrace/usage. This package
// prepares the go.mod of the build workspace so that import resolves: either
// to the published module, or to a local checkout when usagetrace runs from
// its own source tree.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// ModulePath is the module providing the runtime package.
const ModulePath = "github.com/kolkov/usagetrace"

// EnvRoot overrides the location of a local usagetrace checkout.
const EnvRoot = "USAGETRACE_ROOT"

// ErrNoModule is returned when no go.mod encloses the sources.
var ErrNoModule = errors.New("no go.mod found")

// Module describes the user's module being instrumented.
type Module struct {
	Path  string // module path from the module directive
	Dir   string // directory holding go.mod
	GoMod string // path of go.mod
}

// FindModule walks up from startDir to the nearest go.mod.
func FindModule(startDir string) (*Module, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		modPath := filepath.Join(dir, "go.mod")
		if data, err := os.ReadFile(modPath); err == nil {
			path := modfile.ModulePath(data)
			if path == "" {
				return nil, fmt.Errorf("%s: missing module directive", modPath)
			}
			return &Module{Path: path, Dir: dir, GoMod: modPath}, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("%w above %s", ErrNoModule, startDir)
		}
		dir = parent
	}
}

// findProjectRoot finds a local usagetrace checkout.
//
// USAGETRACE_ROOT wins; otherwise the tree is searched upwards from the
// working directory and from the executable. A checkout is recognised by a
// go.mod declaring ModulePath next to the usage/ runtime package.
func findProjectRoot() (string, error) {
	if root := os.Getenv(EnvRoot); root != "" {
		if isProjectRoot(root) {
			return filepath.Abs(root)
		}
		return "", fmt.Errorf("%s=%s is not a usagetrace checkout", EnvRoot, root)
	}

	var starts []string
	if cwd, err := os.Getwd(); err == nil {
		starts = append(starts, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		starts = append(starts, filepath.Dir(exe))
	}
	for _, dir := range starts {
		for {
			if isProjectRoot(dir) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return "", fmt.Errorf("could not find usagetrace project root")
}

func isProjectRoot(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil || modfile.ModulePath(data) != ModulePath {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, "usage"))
	return err == nil && info.IsDir()
}

// WriteModFile writes the workspace go.mod to workDir.
//
// The result is the user's go.mod (or a synthetic "module instrumented" when
// mod is nil) plus a requirement on ModulePath. Relative replace paths are
// made absolute since the workspace lives elsewhere, and a replace to the
// local checkout is added when one is found. The user's go.sum is copied
// alongside.
func WriteModFile(workDir string, mod *Module) (string, error) {
	var (
		file *modfile.File
		err  error
	)
	if mod != nil {
		data, rerr := os.ReadFile(mod.GoMod)
		if rerr != nil {
			return "", fmt.Errorf("failed to read %s: %w", mod.GoMod, rerr)
		}
		file, err = modfile.Parse(mod.GoMod, data, nil)
	} else {
		file, err = modfile.Parse("go.mod", []byte("module instrumented\n\ngo 1.25\n"), nil)
	}
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}

	if mod != nil {
		if err := absolutizeReplaces(file, mod.Dir); err != nil {
			return "", err
		}
	}

	if file.Module.Mod.Path != ModulePath {
		if err := file.AddRequire(ModulePath, "v0.0.0"); err != nil {
			return "", fmt.Errorf("failed to require %s: %w", ModulePath, err)
		}
		if root, err := findProjectRoot(); err == nil {
			if err := file.AddReplace(ModulePath, "", root, ""); err != nil {
				return "", fmt.Errorf("failed to replace %s: %w", ModulePath, err)
			}
		}
	}

	file.Cleanup()
	out, err := file.Format()
	if err != nil {
		return "", fmt.Errorf("failed to format go.mod: %w", err)
	}
	path := filepath.Join(workDir, "go.mod")
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("failed to write go.mod: %w", err)
	}

	if mod != nil {
		if sum, err := os.ReadFile(filepath.Join(mod.Dir, "go.sum")); err == nil {
			if err := os.WriteFile(filepath.Join(workDir, "go.sum"), sum, 0644); err != nil {
				return "", fmt.Errorf("failed to write go.sum: %w", err)
			}
		}
	}
	return path, nil
}

// absolutizeReplaces rewrites local replace targets relative to dir.
func absolutizeReplaces(file *modfile.File, dir string) error {
	for _, rep := range append([]*modfile.Replace(nil), file.Replace...) {
		if rep.New.Version != "" || !isLocalPath(rep.New.Path) || filepath.IsAbs(rep.New.Path) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, rep.New.Path))
		if err != nil {
			return err
		}
		if err := file.AddReplace(rep.Old.Path, rep.Old.Version, abs, ""); err != nil {
			return fmt.Errorf("failed to rewrite replace %s: %w", rep.Old.Path, err)
		}
	}
	return nil
}

// isLocalPath reports whether a replace target is a filesystem path rather
// than a module path.
func isLocalPath(path string) bool {
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return true
	}
	if filepath.IsAbs(path) {
		return true
	}
	// Windows drive letter (C:\)
	if len(path) >= 2 && path[1] == ':' {
		return true
	}
	return module.CheckImportPath(path) != nil
}
