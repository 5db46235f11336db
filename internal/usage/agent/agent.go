// Package agent assembles a complete usage tracking stack from a
// configuration: logger, reporters, optional persistence, the orchestration
// core, a patch facility, and (optionally) the process-wide hook target.
//
// Compiled programs get an agent through usage.Init; programs embedding a
// host.Runtime create one directly and attach the runtime as Patcher.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kolkov/usagetrace/internal/usage/config"
	"github.com/kolkov/usagetrace/internal/usage/core"
	"github.com/kolkov/usagetrace/internal/usage/hooks"
	"github.com/kolkov/usagetrace/internal/usage/registry"
	"github.com/kolkov/usagetrace/internal/usage/report"
	"github.com/kolkov/usagetrace/internal/usage/store"
)

// Options tunes New beyond what the configuration covers.
type Options struct {
	// LogOutput receives diagnostics. Defaults to os.Stderr.
	LogOutput io.Writer

	// Patcher is the live patch facility. Nil uses a deferred patcher
	// that persists the usage snapshot for the next build.
	Patcher core.Patcher

	// InstallHooks makes the agent the process-wide hook target.
	InstallHooks bool

	Registry *registry.Registry
	Now      func() time.Time
}

// Agent is a running usage tracking stack.
type Agent struct {
	Config *config.Config
	Logger *slog.Logger
	Core   *core.Core
	Store  *store.Store // nil unless store.path is set
	RunID  string

	metrics *http.Server
	hooked  bool
}

// New builds an agent for cfg. On error everything already opened is
// released again.
func New(cfg *config.Config, opts Options) (a *Agent, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	a = &Agent{
		Config: cfg,
		Logger: cfg.Log.Logger(opts.LogOutput),
		RunID:  report.NewRunID(),
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	format, err := report.NewFormatter(string(cfg.Format))
	if err != nil {
		return nil, err
	}
	out, err := report.OpenOutput(cfg.OutputTarget(), cfg.OutputBufferSize(), format, a.RunID, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	closers = append(closers, out.FlushAndClose)
	reporters := report.Multi{out, report.NewLogging(a.Logger, a.RunID)}

	if cfg.Store.Path != "" {
		a.Store, err = store.Open(store.Config{Path: cfg.Store.Path, Logger: a.Logger})
		if err != nil {
			return nil, err
		}
		closers = append(closers, a.Store.Close)
		reporters = append(reporters, report.NewStore(a.Store, a.RunID, a.Logger))
	}

	a.Core = core.New(core.Options{
		Reporter: reporters,
		Registry: opts.Registry,
		Logger:   a.Logger,
		Now:      opts.Now,
	})
	patcher := opts.Patcher
	if patcher == nil {
		patcher = NewDeferredPatcher(a.Core, a.Store, a.RunID, a.Logger)
	}
	a.Core.SetPatcher(patcher)

	if cfg.Metrics.Addr != "" {
		if a.metrics, err = serveMetrics(cfg.Metrics.Addr, a.Logger); err != nil {
			return nil, err
		}
		closers = append(closers, a.metrics.Close)
	}

	if opts.InstallHooks {
		if err := hooks.Initialize(a.Core, a.Logger); err != nil {
			return nil, err
		}
		a.hooked = true
	}

	a.Logger.Info("usage tracking started",
		slog.String("run", a.RunID),
		slog.String("output", cfg.OutputTarget()),
		slog.Bool("store", a.Store != nil))
	return a, nil
}

// Close uninstalls the hook target, flushes pending events, and releases
// the store and metrics endpoint.
func (a *Agent) Close() error {
	if a.hooked {
		hooks.Uninstall()
		a.hooked = false
	}
	var errs []error
	if err := a.Core.Close(); err != nil {
		errs = append(errs, fmt.Errorf("flush reporter: %w", err))
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (a *Agent) MetricsAddr() string {
	if a.metrics == nil {
		return ""
	}
	return a.metrics.Addr
}

// serveMetrics binds addr synchronously, so a bad address fails New, and
// serves the default Prometheus registry in the background.
func serveMetrics(addr string, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return srv, nil
}
