// cmd_instrument.go implements the 'usagetrace instrument' command.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kolkov/usagetrace/cmd/usagetrace/instrument"
	"github.com/kolkov/usagetrace/cmd/usagetrace/runtime"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

var (
	instrumentUnit     string
	instrumentObserved []string
	instrumentStore    string
	instrumentMain     bool
	instrumentInspect  bool
)

func newInstrumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instrument [flags] file.go",
		Short: "Print the instrumented form of one Go file",
		Long: `Instrument prints the source 'usagetrace build' would compile for a file.
Functions named with --observed, or recorded in --store, get no hook.

  usagetrace instrument server.go
  usagetrace instrument --observed '(*Server).Run() error' server.go
  usagetrace instrument --inspect server.go`,
		Args: cobra.ExactArgs(1),
		RunE: runInstrument,
	}
	f := cmd.Flags()
	f.StringVar(&instrumentUnit, "unit", "", "unit name (default: derived from the enclosing module)")
	f.StringArrayVar(&instrumentObserved, "observed", nil, "signature of a function already used (repeatable)")
	f.StringVar(&instrumentStore, "store", "", "usage store to read observed functions from")
	f.BoolVar(&instrumentMain, "main", false, "start and stop the runtime in func main")
	f.BoolVar(&instrumentInspect, "inspect", false, "list functions and hooks instead of printing source")
	return cmd
}

func runInstrument(cmd *cobra.Command, args []string) error {
	path := args[0]
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if instrumentInspect {
		insp, err := instrument.Inspect(path, src)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "package %s", insp.Package)
		if insp.UnitName != "" {
			fmt.Fprintf(out, " (unit %s)", insp.UnitName)
		}
		fmt.Fprintln(out)
		for _, sig := range insp.Functions.Sorted() {
			mark := " "
			switch {
			case insp.Hooks.Has(sig):
				mark = "H"
			case !insp.Patchable.Has(sig):
				mark = "-"
			}
			fmt.Fprintf(out, "%s %s\n", mark, sig)
		}
		return nil
	}

	name := instrumentUnit
	if name == "" {
		if name, err = fileUnitName(path); err != nil {
			return err
		}
	}

	observed := unit.NewSignatureSet()
	for _, s := range instrumentObserved {
		observed.Add(unit.Signature(s))
	}
	if instrumentStore != "" {
		snapshots, err := openSnapshots(instrumentStore)
		if err != nil {
			return err
		}
		stored, err := snapshots.observed(name)
		snapshots.close()
		if err != nil {
			return err
		}
		for sig := range stored {
			observed.Add(sig)
		}
	}

	res, err := instrument.DecideAndPatch(name, src, observed, instrument.Options{
		Filename:          path,
		InjectRuntimeInit: instrumentMain,
	})
	if err != nil {
		return err
	}
	code := src
	if res.Changed {
		code = res.Code
	}
	if _, err := out.Write(code); err != nil {
		return err
	}
	s := res.Stats
	fmt.Fprintf(cmd.ErrOrStderr(), "usagetrace: %s: %d functions, %d hooked, %d observed, %d skipped\n",
		name, s.Functions, s.Hooked, s.Observed, s.Skipped())
	return nil
}

// fileUnitName derives the unit name 'usagetrace build' gives path.
func fileUnitName(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	mod, err := runtime.FindModule(filepath.Dir(abs))
	if errors.Is(err, runtime.ErrNoModule) {
		return unitName(looseModulePath, ".", filepath.Base(abs)), nil
	}
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(mod.Dir, filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return unitName(mod.Path, rel, filepath.Base(abs)), nil
}
