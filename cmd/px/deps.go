// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <specifier...>",
	Short: "Add dependencies to [project].dependencies and re-sync",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runAdd(cmd.Context(), currentDir(), args))
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <name...>",
	Short: "Remove dependencies from [project].dependencies and re-sync",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app.Finish(runRemove(cmd.Context(), currentDir(), args))
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
}

func runAdd(ctx context.Context, root string, specs []string) (error, string, map[string]any) {
	editor, err := manifestEditorFor(root)
	if err != nil {
		return err, "", nil
	}
	report, err := editor.AddSpecs(specs)
	if err != nil {
		return err, "", nil
	}

	res, err := doSync(ctx, root)
	if err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("added %d dependencies", len(report.Added)), map[string]any{
		"added":   report.Added,
		"updated": report.Updated,
		"lock_id": res.Lock.LockID,
	}
}

func runRemove(ctx context.Context, root string, names []string) (error, string, map[string]any) {
	editor, err := manifestEditorFor(root)
	if err != nil {
		return err, "", nil
	}
	report, err := editor.RemoveSpecs(names)
	if err != nil {
		return err, "", nil
	}

	res, err := doSync(ctx, root)
	if err != nil {
		return err, "", nil
	}
	return nil, fmt.Sprintf("removed %d dependencies", len(report.Removed)), map[string]any{
		"removed": report.Removed,
		"lock_id": res.Lock.LockID,
	}
}
