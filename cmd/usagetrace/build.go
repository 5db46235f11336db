// build.go implements the 'usagetrace build' command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/usagetrace/cmd/usagetrace/instrument"
	"github.com/kolkov/usagetrace/cmd/usagetrace/runtime"
	"github.com/kolkov/usagetrace/internal/usage/policy"
	"github.com/kolkov/usagetrace/internal/usage/store"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// looseModulePath names the package of files built outside any module, as
// the go command does.
const looseModulePath = "command-line-arguments"

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build [build flags] [packages | files]",
		Short: "Build a Go program with usage tracking",
		Long: `Build instruments the sources of the enclosing module and runs 'go build'
on the result. Functions recorded as used in the usage store are left
uninstrumented. All 'go build' flags are passed through.

  usagetrace build -o app ./cmd/app
  usagetrace build -v --store=.usagetrace -ldflags="-s -w" .`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if wantsHelp(args) {
				return cmd.Help()
			}
			bc, err := parseBuildArgs(args)
			if err != nil {
				return err
			}
			if err := buildProgram(cmd.Context(), bc, cmd.ErrOrStderr()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Built successfully: %s\n", bc.outputFile)
			return nil
		},
	}
}

// buildConfig holds configuration for the build command.
type buildConfig struct {
	// Source files, directories, or package patterns to build
	sourceFiles []string

	// Output binary name (from -o flag)
	outputFile string

	// Additional go build flags
	buildFlags []string

	// Working directory for build
	workDir string

	// Verbose output flag (-v)
	verbose bool

	// usagetrace configuration file (--config)
	configPath string

	// Usage store overriding store.path (--store)
	storePath string
}

// parseBuildArgs parses command-line arguments for 'usagetrace build'.
//
// It separates:
//   - Source files, directories and package patterns
//   - Output file (-o flag)
//   - usagetrace flags (-v, --config, --store)
//   - Go build flags (everything else)
func parseBuildArgs(args []string) (*buildConfig, error) {
	config := &buildConfig{
		sourceFiles: []string{},
		buildFlags:  []string{},
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	config.workDir = cwd

	expectingValue := false
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// If previous flag expects a value, this is it (even if it starts with -)
		// Example: -ldflags "-s -w"
		if expectingValue {
			config.buildFlags = append(config.buildFlags, arg)
			expectingValue = false
			continue
		}

		if value, ok, err := flagValue(args, &i, "-o"); ok || err != nil {
			if err != nil {
				return nil, err
			}
			config.outputFile = value
			continue
		}
		if value, ok, err := flagValue(args, &i, "--config"); ok || err != nil {
			if err != nil {
				return nil, err
			}
			config.configPath = value
			continue
		}
		if value, ok, err := flagValue(args, &i, "--store"); ok || err != nil {
			if err != nil {
				return nil, err
			}
			config.storePath = value
			continue
		}

		if arg == "-v" {
			config.verbose = true
			continue
		}

		if strings.HasPrefix(arg, "-") {
			config.buildFlags = append(config.buildFlags, arg)
			expectingValue = needsValue(arg)
			continue
		}

		config.sourceFiles = append(config.sourceFiles, arg)
	}

	if expectingValue {
		return nil, fmt.Errorf("%s flag requires an argument", config.buildFlags[len(config.buildFlags)-1])
	}

	// Default: build current directory if no sources specified
	if len(config.sourceFiles) == 0 {
		config.sourceFiles = []string{"."}
	}
	return config, nil
}

// flagValue matches "name value" and "name=value" at args[*i], advancing
// *i past a separate value.
func flagValue(args []string, i *int, name string) (string, bool, error) {
	arg := args[*i]
	if arg == name {
		if *i+1 >= len(args) {
			return "", false, fmt.Errorf("%s flag requires an argument", name)
		}
		*i++
		return args[*i], true, nil
	}
	if strings.HasPrefix(arg, name+"=") {
		return strings.TrimPrefix(arg, name+"="), true, nil
	}
	return "", false, nil
}

// needsValue returns true if the flag expects a following value.
func needsValue(flag string) bool {
	valueFlags := []string{
		"-ldflags", "-gcflags", "-asmflags", "-gccgoflags",
		"-tags", "-installsuffix", "-buildmode", "-mod",
		"-modfile", "-overlay", "-pkgdir", "-toolexec", "-p",
	}

	for _, vf := range valueFlags {
		// Already has = format (e.g., -ldflags=-s)
		if strings.HasPrefix(flag, vf+"=") {
			return false
		}
		if flag == vf {
			return true
		}
	}
	return false
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" || a == "-help" {
			return true
		}
	}
	return false
}

// buildProgram instruments, links and builds. Progress goes to log.
func buildProgram(ctx context.Context, bc *buildConfig, log io.Writer) error {
	cfg, err := loadConfig(bc.configPath)
	if err != nil {
		return err
	}
	if bc.storePath == "" {
		bc.storePath = cfg.Store.Path
	}

	mod, err := runtime.FindModule(sourceDir(bc))
	if err != nil && !errors.Is(err, runtime.ErrNoModule) {
		return err
	}

	files, err := collectSources(bc, mod)
	if err != nil {
		return fmt.Errorf("failed to collect source files: %w", err)
	}
	if !hasGoFiles(files) {
		return fmt.Errorf("no Go source files found")
	}

	snapshots, err := openSnapshots(bc.storePath)
	if err != nil {
		return err
	}
	defer snapshots.close()

	ws, err := createWorkspace()
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	defer ws.cleanup()

	totals, err := instrumentSources(ctx, files, ws, cfg.Policy(), snapshots, bc.verbose, log)
	if err != nil {
		return fmt.Errorf("failed to instrument sources: %w", err)
	}
	fmt.Fprintf(log, "usagetrace: %d files, %d hooks, %d functions already used\n",
		totals.files, totals.Hooked, totals.Observed)

	if err := ws.setupRuntimeLinking(ctx, mod); err != nil {
		return fmt.Errorf("failed to set up runtime: %w", err)
	}

	if bc.outputFile == "" {
		bc.outputFile = defaultOutput(bc)
	}
	if !filepath.IsAbs(bc.outputFile) {
		bc.outputFile = filepath.Join(bc.workDir, bc.outputFile)
	}
	if err := ws.build(ctx, bc, buildTargets(bc, mod, files)); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// sourceDir is the directory the module is searched from.
func sourceDir(bc *buildConfig) string {
	first := strings.TrimSuffix(bc.sourceFiles[0], "...")
	path := first
	if !filepath.IsAbs(path) {
		path = filepath.Join(bc.workDir, first)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	if strings.HasSuffix(path, ".go") {
		return filepath.Dir(path)
	}
	return bc.workDir
}

// sourceFile is one file copied into the workspace.
type sourceFile struct {
	path       string // absolute path of the original
	rel        string // slash-separated path inside the workspace
	unitName   string // empty for files that are copied verbatim
	instrument bool
}

// unitName names the unit of a file: module path, package directory and
// file name, e.g. "github.com/acme/app/internal/server#handler.go".
func unitName(modulePath, relDir, file string) string {
	relDir = filepath.ToSlash(relDir)
	if relDir == "." || relDir == "" {
		return modulePath + "#" + file
	}
	return modulePath + "/" + relDir + "#" + file
}

// collectSources lists the files to copy into the workspace.
//
// Inside a module the whole module tree is copied so every package keeps
// its import path; every non-test Go file is instrumented. Outside a module
// only the named .go files are copied, flat, as the go command would build
// them.
func collectSources(bc *buildConfig, mod *runtime.Module) ([]sourceFile, error) {
	if mod == nil {
		return collectLooseFiles(bc)
	}

	var files []sourceFile
	err := filepath.WalkDir(mod.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(mod.Dir, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == mod.Dir {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			// Nested modules are separate builds.
			if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		f := sourceFile{path: path, rel: filepath.ToSlash(rel)}
		if isInstrumentable(rel) {
			f.instrument = true
			f.unitName = unitName(mod.Path, filepath.Dir(rel), d.Name())
		}
		files = append(files, f)
		return nil
	})
	return files, err
}

func collectLooseFiles(bc *buildConfig) ([]sourceFile, error) {
	var files []sourceFile
	for _, src := range bc.sourceFiles {
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(bc.workDir, src)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}

		var names []string
		dir := path
		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("cannot read directory %s: %w", path, err)
			}
			for _, e := range entries {
				if !e.IsDir() {
					names = append(names, e.Name())
				}
			}
		} else {
			dir = filepath.Dir(path)
			names = []string{filepath.Base(path)}
		}

		for _, name := range names {
			if !isInstrumentable(name) {
				continue
			}
			files = append(files, sourceFile{
				path:       filepath.Join(dir, name),
				rel:        name,
				unitName:   unitName(looseModulePath, ".", name),
				instrument: true,
			})
		}
	}
	return files, nil
}

// isInstrumentable reports whether rel is a non-test Go file outside
// testdata and vendor.
func isInstrumentable(rel string) bool {
	if !strings.HasSuffix(rel, ".go") || strings.HasSuffix(rel, "_test.go") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "testdata" || part == "vendor" {
			return false
		}
	}
	return true
}

func hasGoFiles(files []sourceFile) bool {
	for _, f := range files {
		if f.instrument {
			return true
		}
	}
	return false
}

// snapshotSource answers, per unit name, which functions were already
// recorded as used.
type snapshotSource struct {
	store *store.Store
}

// openSnapshots opens the usage store read-only. A missing or unset store
// means nothing has been observed yet.
func openSnapshots(path string) (*snapshotSource, error) {
	if path == "" {
		return &snapshotSource{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &snapshotSource{}, nil
	}
	s, err := store.Open(store.Config{Path: path, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &snapshotSource{store: s}, nil
}

func (s *snapshotSource) observed(unitName string) (unit.SignatureSet, error) {
	if s.store == nil {
		return unit.NewSignatureSet(), nil
	}
	return s.store.Observed(unitName)
}

func (s *snapshotSource) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// buildTotals sums the per-file statistics of one build.
type buildTotals struct {
	instrument.Stats
	files int
}

// instrumentSources instruments every source file in parallel and writes
// the results to the workspace.
func instrumentSources(ctx context.Context, files []sourceFile, ws *workspace, p *policy.Policy, snapshots *snapshotSource, verbose bool, log io.Writer) (buildTotals, error) {
	results := make([]*instrument.Result, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(goruntime.GOMAXPROCS(0))
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(f.path)
			if err != nil {
				return err
			}
			code := src
			if f.instrument {
				res, eligible, err := instrumentFile(f, src, p, snapshots)
				switch {
				case err != nil:
					// go build reports the file itself; keep it as is.
					fmt.Fprintf(log, "usagetrace: %s: %v\n", f.path, err)
				case res.Changed:
					code = res.Code
				}
				if eligible {
					results[i] = res
				}
			}
			return ws.write(f.rel, code)
		})
	}
	if err := g.Wait(); err != nil {
		return buildTotals{}, err
	}

	var totals buildTotals
	for i, res := range results {
		if res == nil {
			continue
		}
		totals.files++
		totals.Functions += res.Stats.Functions
		totals.Hooked += res.Stats.Hooked
		totals.Observed += res.Stats.Observed
		if verbose {
			s := res.Stats
			fmt.Fprintf(log, "usagetrace: %s: %d functions, %d hooked, %d observed, %d skipped\n",
				files[i].rel, s.Functions, s.Hooked, s.Observed, s.Skipped())
		}
	}
	return totals, nil
}

// instrumentFile decides the code of one file and reports whether the scan
// rules admit it. Excluded files get no hooks, but a main function still
// starts the runtime.
func instrumentFile(f sourceFile, src []byte, p *policy.Policy, snapshots *snapshotSource) (*instrument.Result, bool, error) {
	insp, err := instrument.Inspect(f.path, src)
	if err != nil {
		return nil, false, err
	}

	observed := insp.Patchable
	eligible := p.Eligible(f.unitName) && (!insp.Generated || p.Flags().IncludeSynthetic)
	if eligible {
		if observed, err = snapshots.observed(f.unitName); err != nil {
			return nil, false, fmt.Errorf("usage snapshot: %w", err)
		}
	}
	res, err := instrument.DecideAndPatch(f.unitName, src, observed, instrument.Options{
		Filename:          f.path,
		InjectRuntimeInit: true,
	})
	if err != nil {
		return nil, false, err
	}
	return res, eligible, nil
}

// buildTargets maps the command-line sources to workspace-relative targets.
func buildTargets(bc *buildConfig, mod *runtime.Module, files []sourceFile) []string {
	if mod == nil {
		var targets []string
		for _, f := range files {
			if f.instrument {
				targets = append(targets, f.rel)
			}
		}
		return targets
	}

	var targets []string
	for _, src := range bc.sourceFiles {
		if !isPathArg(src) {
			// An import path or pattern; the go command resolves it.
			targets = append(targets, src)
			continue
		}
		path := src
		if !filepath.IsAbs(path) {
			path = filepath.Join(bc.workDir, src)
		}
		rel, err := filepath.Rel(mod.Dir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Outside the module: leave it to the go command.
			targets = append(targets, src)
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || strings.HasSuffix(rel, ".go") {
			targets = append(targets, rel)
		} else {
			targets = append(targets, "./"+rel)
		}
	}
	return targets
}

// isPathArg reports whether a command-line source names a file or directory
// rather than an import path, using the go command's rules.
func isPathArg(src string) bool {
	return filepath.IsAbs(src) || src == "." || src == ".." ||
		strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../") ||
		strings.HasSuffix(src, ".go")
}

// defaultOutput names the binary after the first package or file, as
// 'go build' does.
func defaultOutput(bc *buildConfig) string {
	src := strings.TrimSuffix(bc.sourceFiles[0], "/...")
	var name string
	switch {
	case strings.HasSuffix(src, ".go"):
		name = strings.TrimSuffix(filepath.Base(src), ".go")
	case src == "." || src == "":
		name = filepath.Base(bc.workDir)
	default:
		name = filepath.Base(src)
	}
	if goruntime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// workspace represents a temporary workspace for instrumented code.
type workspace struct {
	dir string
}

// createWorkspace creates a temporary workspace for building instrumented code.
func createWorkspace() (*workspace, error) {
	dir, err := os.MkdirTemp("", "usagetrace-build-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &workspace{dir: dir}, nil
}

// cleanup removes the temporary workspace.
func (w *workspace) cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir) // Best effort cleanup, ignore errors
	}
}

// write stores a file at the slash-separated path rel.
func (w *workspace) write(rel string, data []byte) error {
	path := filepath.Join(w.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// setupRuntimeLinking writes the workspace go.mod and tidies it.
func (w *workspace) setupRuntimeLinking(ctx context.Context, mod *runtime.Module) error {
	if _, err := runtime.WriteModFile(w.dir, mod); err != nil {
		return err
	}

	tidy := exec.CommandContext(ctx, "go", "mod", "tidy")
	tidy.Dir = w.dir
	tidy.Stdout = os.Stderr
	tidy.Stderr = os.Stderr
	if err := tidy.Run(); err != nil {
		return fmt.Errorf("failed to tidy go.mod: %w", err)
	}
	return nil
}

// build runs 'go build' on the instrumented code in the workspace.
func (w *workspace) build(ctx context.Context, config *buildConfig, targets []string) error {
	args := []string{"build", "-o", config.outputFile}
	args = append(args, config.buildFlags...)
	args = append(args, targets...)

	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = w.dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
