// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pxtool/px/internal/pxerr"
	"github.com/pxtool/px/internal/runtimereg"
)

var pythonCmd = &cobra.Command{
	Use:   "python",
	Short: "Manage registered Python runtimes",
}

var pythonListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered runtimes",
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runPythonList())
	},
}

var pythonInstallCmd = &cobra.Command{
	Use:   "install <channel>",
	Short: "Download and register a python-build-standalone runtime",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		def, _ := cmd.Flags().GetBool("default")
		app.Finish(runPythonInstall(cmd.Context(), args[0], def))
	},
}

var pythonUseCmd = &cobra.Command{
	Use:   "use <path> [channel]",
	Short: "Register an existing interpreter path as a runtime",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		channel := ""
		if len(args) == 2 {
			channel = args[1]
		}
		def, _ := cmd.Flags().GetBool("default")
		app.Finish(runPythonUse(cmd.Context(), args[0], channel, def))
	},
}

var pythonInfoCmd = &cobra.Command{
	Use:   "info <channel>",
	Short: "Show a registered runtime's recorded details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runPythonInfo(args[0]))
	},
}

func init() {
	pythonInstallCmd.Flags().Bool("default", false, "make this runtime the default")
	pythonUseCmd.Flags().Bool("default", false, "make this runtime the default")
	pythonCmd.AddCommand(pythonListCmd, pythonInstallCmd, pythonUseCmd, pythonInfoCmd)
	rootCmd.AddCommand(pythonCmd)
}

func runPythonList() (error, string, map[string]any) {
	records := app.Runtimes.Records
	channels := make([]string, 0, len(records))
	for _, rec := range records {
		channels = append(channels, rec.Channel)
	}
	return nil, fmt.Sprintf("%d registered runtime(s)", len(records)), map[string]any{"runtimes": records, "channels": channels}
}

func runPythonInfo(channel string) (error, string, map[string]any) {
	rec, ok := app.Runtimes.ByChannel(channel)
	if !ok {
		return pxerr.New(runtimereg.CodeNoCompatibleRuntime, "no runtime registered for that channel", map[string]any{"channel": channel}).
			WithHint("run `px python install " + channel + "`"), "", nil
	}
	return nil, fmt.Sprintf("%s -> %s", rec.Channel, rec.Path), map[string]any{"runtime": rec}
}

func runPythonInstall(ctx context.Context, channel string, makeDefault bool) (error, string, map[string]any) {
	installer := &runtimereg.Installer{
		Client:       app.Client,
		RuntimesRoot: app.Config.RuntimesPath,
		CachePath:    app.Config.CachePath,
		DownloadsURL: app.Config.PythonDownloadsURL,
	}
	rec, err := installer.InstallManaged(ctx, channel)
	if err != nil {
		return err, "", nil
	}
	rec.Default = makeDefault
	app.Runtimes.Upsert(rec)
	if err := app.Runtimes.Save(); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("installed python %s (%s)", rec.FullVersion, rec.Channel), map[string]any{"runtime": rec}
}

func runPythonUse(ctx context.Context, path, channel string, makeDefault bool) (error, string, map[string]any) {
	rec, err := runtimereg.RegisterExternal(ctx, path, channel, makeDefault)
	if err != nil {
		return err, "", nil
	}
	app.Runtimes.Upsert(rec)
	if err := app.Runtimes.Save(); err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("registered python %s (%s) at %s", rec.FullVersion, rec.Channel, rec.Path), map[string]any{"runtime": rec}
}
