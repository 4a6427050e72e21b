// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

// Command px is the unified Python project manager: manifest/lock/env
// lifecycle, runtime management, sandbox packaging, and PyPI publishing
// (spec.md §6).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/cache"
	"github.com/pxtool/px/internal/cas"
	"github.com/pxtool/px/internal/httpx"
	"github.com/pxtool/px/internal/pxconfig"
	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/registry/pypi"
	"github.com/pxtool/px/internal/runner"
	"github.com/pxtool/px/internal/runtimereg"
)

const pxVersion = "0.1.0"

// App is the process-wide dependency bag, assembled once in
// PersistentPreRunE and threaded into every command's Run.
type App struct {
	Config     *pxconfig.Config
	Store      *cas.Store
	Runtimes   *runtimereg.Registry
	Runner     runner.CommandRunner
	Client     httpx.BasicClient
	PyPI       pypi.Registry
	PyPIUpload pypi.Uploader

	JSON    bool
	NoColor bool
	Verbose int
	Trace   bool
	Debug   bool
	Strict  bool // --frozen on mutating commands, or CI=1

	Out    io.Writer
	ErrOut io.Writer
	Logger *slog.Logger
}

var app = &App{Out: os.Stdout, ErrOut: os.Stderr}

var (
	flagQuiet       bool
	flagVerbose     int
	flagTrace       bool
	flagDebug       bool
	flagJSON        bool
	flagNoColor     bool
	flagOffline     bool
	flagOnline      bool
	flagNoResolver  bool
	flagResolver    bool
	flagForceSdist  bool
	flagPreferWheel bool
)

var rootCmd = &cobra.Command{
	Use:           "px [command]",
	Short:         "px manages Python projects: dependencies, environments, runtimes, and packaging",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupApp(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "increase verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&flagTrace, "trace", false, "enable traceback-analysis hints on failures")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit a {status, message, details} envelope")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "forbid any network access")
	rootCmd.PersistentFlags().BoolVar(&flagOnline, "online", false, "allow network access (default)")
	rootCmd.PersistentFlags().BoolVar(&flagNoResolver, "no-resolver", false, "disable the PyPI resolver")
	rootCmd.PersistentFlags().BoolVar(&flagResolver, "resolver", false, "enable the PyPI resolver (default)")
	rootCmd.PersistentFlags().BoolVar(&flagForceSdist, "force-sdist", false, "always build from sdist, never use wheels")
	rootCmd.PersistentFlags().BoolVar(&flagPreferWheel, "prefer-wheels", false, "prefer wheels over sdist (default)")
}

func setupApp(cmd *cobra.Command) error {
	cfg := pxconfig.Load()
	if cmd.Flags().Changed("offline") && flagOffline {
		cfg.Online = false
	}
	if cmd.Flags().Changed("online") && flagOnline {
		cfg.Online = true
	}
	if cmd.Flags().Changed("no-resolver") && flagNoResolver {
		cfg.ResolverEnabled = false
	}
	if cmd.Flags().Changed("resolver") && flagResolver {
		cfg.ResolverEnabled = true
	}
	if cmd.Flags().Changed("force-sdist") && flagForceSdist {
		cfg.ForceSdist = true
	}
	if cmd.Flags().Changed("prefer-wheels") && flagPreferWheel {
		cfg.ForceSdist = false
	}

	if err := os.MkdirAll(cfg.StorePath, 0o755); err != nil {
		return pxerr.NewFailure("could not create store directory", map[string]any{"path": cfg.StorePath, "error": err.Error()})
	}
	store, err := cas.Open(cfg.StorePath)
	if err != nil {
		return pxerr.NewFailure("could not open content-addressable store", map[string]any{"path": cfg.StorePath, "error": err.Error()})
	}
	if err := os.MkdirAll(cfg.RuntimesPath, 0o755); err != nil {
		return pxerr.NewFailure("could not create runtimes directory", map[string]any{"path": cfg.RuntimesPath, "error": err.Error()})
	}
	runtimes, err := runtimereg.Open(cfg.RuntimesPath)
	if err != nil {
		return pxerr.NewFailure("could not open runtime registry", map[string]any{"error": err.Error()})
	}
	if err := os.MkdirAll(cfg.ToolsPath, 0o755); err != nil {
		return pxerr.NewFailure("could not create tools directory", map[string]any{"path": cfg.ToolsPath, "error": err.Error()})
	}

	level := slog.LevelWarn
	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose > 0:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(app.ErrOut, &slog.HandlerOptions{Level: level}))

	var client httpx.BasicClient = http.DefaultClient
	client = &httpx.WithUserAgent{BasicClient: client, UserAgent: "px/" + pxVersion}

	app.Config = cfg
	app.Store = store
	app.Runtimes = runtimes
	app.Runner = runner.HostRunner{}
	app.Client = client
	// Package metadata lookups repeat heavily within a single resolve (the
	// same distribution is often a dependency of several others), so the
	// registry client gets a coalescing in-memory cache; uploads and runtime
	// downloads go through the uncached client above.
	pypiClient := httpx.NewCachedClient(client, &cache.CoalescingMemoryCache{})
	httpRegistry := pypi.HTTPRegistry{Client: pypiClient}
	app.PyPI = httpRegistry
	app.PyPIUpload = pypi.HTTPRegistry{Client: client}
	app.JSON = flagJSON
	app.NoColor = flagNoColor
	app.Verbose = flagVerbose
	app.Trace = flagTrace
	app.Debug = flagDebug
	app.Strict = cfg.Strict
	app.Logger = logger
	return nil
}

// Finish renders the outcome of a command invocation and terminates the
// process with the exit code spec.md §7 maps from err's Kind. Every
// command's Run calls this exactly once, mirroring the teacher's
// log.Fatal-inside-Run idiom (cmd/oss-rebuild/main.go) with exit-code
// fidelity pxerr requires.
func (a *App) Finish(err error, okMessage string, okDetails map[string]any) {
	if err == nil {
		a.emit(pxerr.OKEnvelope(okMessage, okDetails))
		os.Exit(0)
	}
	pe, ok := err.(*pxerr.Error)
	if !ok {
		pe = pxerr.NewFailure(err.Error(), map[string]any{})
	}
	a.emit(pe.ToEnvelope())
	os.Exit(pe.Kind.ExitCode())
}

func (a *App) emit(env pxerr.Envelope) {
	if a.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(env)
		return
	}
	if env.Status == pxerr.KindOK {
		fmt.Fprintln(a.Out, env.Message)
		return
	}
	fmt.Fprintln(a.ErrOut, env.Message)
	if hint, ok := env.Details["hint"].(string); ok && hint != "" {
		fmt.Fprintf(a.ErrOut, "  run: %s\n", hint)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		app.Finish(err, "", nil)
	}
}
