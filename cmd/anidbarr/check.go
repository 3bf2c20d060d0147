package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/amaumene/anidbarr/internal/controllers"
	"github.com/spf13/cobra"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check [anime-folder...]",
		Short: "Check the collection once and print missing episodes and rename proposals",
		Long: "Check every anime folder under COLLECTION_ROOT, or only the folders given as arguments.\n" +
			"Nothing on disk is changed; renames are only proposed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = context.Background()
			}
			a.start(runCtx)

			start := time.Now()
			reports, err := runCheck(runCtx, a.collectionCtrl, args)
			if err != nil {
				return err
			}
			a.logger.WithField("duration", since(start)).Debug("Check finished")

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			printReports(cmd.OutOrStdout(), reports)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the reports as JSON")
	return cmd
}

func runCheck(ctx context.Context, ctrl *controllers.CollectionController, folders []string) ([]controllers.FolderReport, error) {
	if len(folders) == 0 {
		return ctrl.CheckAll(ctx)
	}
	reports := make([]controllers.FolderReport, 0, len(folders))
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, ctrl.Check(ctx, folder))
	}
	return reports, nil
}

func printReports(w io.Writer, reports []controllers.FolderReport) {
	for _, r := range reports {
		switch {
		case r.Identified():
			fmt.Fprintf(w, "%s [%d] %s\n", r.Title, r.AnimeID, r.Folder)
		default:
			fmt.Fprintf(w, "? %s\n", r.Folder)
		}
		if r.Summary != "" {
			fmt.Fprintf(w, "  %s\n", r.Summary)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  error (%s): %s\n", r.Severity, r.Error)
		}
		for _, rn := range r.Renames {
			if rn.NewPath == "" {
				fmt.Fprintf(w, "  rename %s -> ? (%s)\n", rn.OldPath, rn.Reason)
				continue
			}
			fmt.Fprintf(w, "  rename %s -> %s\n", rn.OldPath, rn.NewPath)
		}
		for _, f := range r.Unconfirmed {
			if f.SuggestedAnimeID != nil {
				fmt.Fprintf(w, "  unconfirmed %s (maybe anime %d)\n", f.Path, *f.SuggestedAnimeID)
			}
		}
	}
}
