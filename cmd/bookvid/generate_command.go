package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheOneDeer/book-video-generator/internal/orchestrator"
	"github.com/TheOneDeer/book-video-generator/internal/progress"
	"github.com/TheOneDeer/book-video-generator/internal/segment"
)

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var (
		bookName      string
		mode          string
		voice         string
		scriptText    string
		scriptFile    string
		keepWorkspace bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an explainer video for a book",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(bookName) == "" {
				return errors.New("--book is required")
			}
			script := scriptText
			if scriptFile != "" {
				data, err := os.ReadFile(scriptFile)
				if err != nil {
					return fmt.Errorf("read script file: %w", err)
				}
				script = string(data)
			}
			if strings.TrimSpace(script) == "" {
				return errors.New("a narration script is required (--script or --script-file)")
			}
			strategy, ok := segment.ParseStrategy(mode)
			if !ok {
				return fmt.Errorf("invalid mode %q (use video or image)", mode)
			}

			stack, err := buildStack(cfg)
			if err != nil {
				return err
			}
			defer stack.close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus := progress.NewBus()
			go func() {
				stack.orch.Run(runCtx, orchestrator.Request{
					BookName:      bookName,
					ScriptText:    script,
					Mode:          strategy,
					Voice:         strings.TrimSpace(voice),
					KeepWorkspace: keepWorkspace || cfg.Pipeline.KeepWorkspace,
				}, bus)
				// Cancelled runs end without a terminal event; unblock the reader.
				bus.Close()
			}()

			out := cmd.OutOrStdout()
			var failure *progress.Event
			for event := range bus.Events() {
				fmt.Fprintf(out, "[%3d%%] %s: %s\n", event.Progress, event.Step, event.Message)
				if event.Type == progress.TypeError {
					copied := event
					failure = &copied
				}
				if event.Type == progress.TypeComplete {
					if url, ok := event.Data["videoUrl"].(string); ok && url != "" {
						fmt.Fprintf(out, "输出: %s\n", url)
					}
				}
			}
			if failure != nil {
				fmt.Fprintln(out, resultLine(out, false, "生成失败"))
				return fmt.Errorf("generation failed: %s", failure.Message)
			}
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			fmt.Fprintln(out, resultLine(out, true, "生成完成"))
			return nil
		},
	}

	cmd.Flags().StringVar(&bookName, "book", "", "Book title")
	cmd.Flags().StringVar(&mode, "mode", "video", "Generation mode: video or image")
	cmd.Flags().StringVar(&voice, "voice", "", "Narration voice id (image mode)")
	cmd.Flags().StringVar(&scriptText, "script", "", "Narration script text")
	cmd.Flags().StringVar(&scriptFile, "script-file", "", "Path to a narration script file")
	cmd.Flags().BoolVar(&keepWorkspace, "keep-workspace", false, "Keep the run workspace after completion")
	return cmd
}
