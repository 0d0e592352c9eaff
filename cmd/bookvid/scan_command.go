package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TheOneDeer/book-video-generator/internal/reconcile"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <directory>",
		Short: "Inventory a workspace directory for resumable artifacts",
		Args:  cobra.ExactArgs(1),
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

			result, err := reconcile.Scan(stack.workspaces, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(result.Matches) == 0 {
				fmt.Fprintln(out, "No segment artifacts found.")
				return nil
			}

			rows := make([][]string, 0, len(result.Matches))
			for _, match := range result.Matches {
				rows = append(rows, []string{
					strconv.Itoa(match.Index),
					match.ImageFile,
					match.AudioFile,
					fmt.Sprintf("%gs", match.Duration),
					yesNo(match.Complete),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Segment", "Image", "Audio", "Duration", "Complete"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			))
			fmt.Fprintf(out, "%d image(s), %d audio file(s); assembly possible: %s\n",
				result.ImageCount, result.AudioCount, yesNo(result.CanConcat))
			return nil
		},
	}
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
