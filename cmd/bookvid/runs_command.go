package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheOneDeer/book-video-generator/internal/runstore"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var statusFilter []string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded generation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stack, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer stack.close()

			var statuses []runstore.RunStatus
			for _, value := range statusFilter {
				trimmed := strings.TrimSpace(value)
				if trimmed != "" {
					statuses = append(statuses, runstore.RunStatus(trimmed))
				}
			}
			runs, err := stack.store.ListRuns(cmd.Context(), statuses...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				detail := run.FinalFile
				if run.Status != runstore.RunCompleted {
					detail = run.ErrorMessage
				}
				rows = append(rows, []string{
					run.ID,
					run.BookName,
					string(run.Mode),
					string(run.Status),
					run.CreatedAt.Local().Format("2006-01-02 15:04"),
					detail,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "Book", "Mode", "Status", "Started", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statusFilter, "status", nil, "Filter by status (running, completed, failed, aborted)")
	return cmd
}
