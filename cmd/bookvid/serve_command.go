package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheOneDeer/book-video-generator/internal/api"
)

// staleWorkspaceAge is how long an orphaned workspace may sit under the
// sandbox root before the serve startup sweep removes it.
const staleWorkspaceAge = 24 * time.Hour

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
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

			// Reclaim workspaces orphaned by a crash or an old kept run.
			stack.workspaces.CleanStale(staleWorkspaceAge, stack.logger)

			address := bind
			if address == "" {
				address = cfg.Paths.APIBind
			}
			server, err := api.NewServer(api.Options{
				Bind:         address,
				Runner:       stack.orch,
				Engine:       stack.engine,
				Workspaces:   stack.workspaces,
				Store:        stack.store,
				Speech:       stack.speech,
				DefaultVoice: cfg.Generators.DefaultVoice,
			}, stack.logger)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Start(runCtx); err != nil {
				return err
			}
			<-runCtx.Done()
			server.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Bind address (overrides paths.api_bind)")
	return cmd
}
