package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheOneDeer/book-video-generator/internal/assembly"
	"github.com/TheOneDeer/book-video-generator/internal/clientside"
	"github.com/TheOneDeer/book-video-generator/internal/reconcile"
	"github.com/TheOneDeer/book-video-generator/internal/workspace"
)

// newAssembleCommand scans a workspace directory and joins its image+audio
// artifacts into final.mp4, for runs whose generation finished but whose
// assembly did not. With --manifest the segment list comes from a JSON file
// of artifact URLs instead, staged and joined in a scratch directory.
func newAssembleCommand(ctx *commandContext) *cobra.Command {
	var manifest string

	cmd := &cobra.Command{
		Use:   "assemble [directory]",
		Short: "Assemble scanned artifacts into a finished video",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if manifest != "" {
				return assembleFromManifest(cmd, ctx, manifest)
			}
			if len(args) != 1 {
				return errors.New("either a workspace directory or --manifest is required")
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
			if !result.CanConcat {
				return errors.New("no segment artifacts found to assemble")
			}

			ws, err := stack.workspaces.Open(args[0])
			if err != nil {
				return err
			}
			defer ws.Release()

			if !stack.encoder.Available {
				fmt.Fprintf(cmd.ErrOrStderr(), "encoder check failed (%s); using client-side assembly\n",
					stack.encoder.Detail)
				return assembleWorkspaceClientSide(cmd, stack, ws, result)
			}

			clips := make([]string, 0, len(result.Matches))
			durations := make([]float64, 0, len(result.Matches))
			for _, match := range result.Matches {
				if !match.Complete {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping segment %d: missing %s\n",
						match.Index, missingSide(match))
					continue
				}
				clip := ws.ClipPath(match.Index)
				if err := stack.engine.SynthesizeClip(cmd.Context(),
					ws.ImagePath(match.Index, imageExt(match.ImageFile)),
					ws.AudioPath(match.Index), clip, match.Duration); err != nil {
					return err
				}
				clips = append(clips, clip)
				durations = append(durations, match.Duration)
			}
			if len(clips) == 0 {
				return errors.New("no complete segments to assemble")
			}
			if err := stack.engine.AssembleClips(cmd.Context(), clips, durations, ws.FinalPath()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assembled %d segment(s) into %s\n", len(clips), ws.FinalPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "JSON file listing segment image/audio URLs to stage and join")
	return cmd
}

// assembleFromManifest joins segments whose artifacts live behind URLs rather
// than in a managed workspace, staging them into a scratch directory first.
func assembleFromManifest(cmd *cobra.Command, ctx *commandContext, path string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	stack, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer stack.close()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var segments []clientside.Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	assembler := clientside.New(assembly.ExecRunner{}, stack.engine.Params(), stack.logger,
		clientside.WithBinary(cfg.FFmpegBinary()))
	final, err := assembler.Assemble(cmd.Context(), segments)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Assembled %d segment(s) into %s\n", len(segments), final)
	return nil
}

// assembleWorkspaceClientSide joins a workspace's artifacts through the
// client-side assembler when the managed encoder check failed.
func assembleWorkspaceClientSide(cmd *cobra.Command, stack *stack, ws *workspace.Workspace, result reconcile.Result) error {
	segments := make([]clientside.Segment, 0, len(result.Matches))
	for _, match := range result.Matches {
		if !match.Complete {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping segment %d: missing %s\n",
				match.Index, missingSide(match))
			continue
		}
		segments = append(segments, clientside.Segment{
			Index:    match.Index,
			ImageURL: ws.ImagePath(match.Index, imageExt(match.ImageFile)),
			AudioURL: ws.AudioPath(match.Index),
			Duration: match.Duration,
		})
	}
	if len(segments) == 0 {
		return errors.New("no complete segments to assemble")
	}
	assembler := clientside.New(assembly.ExecRunner{}, stack.engine.Params(), stack.logger,
		clientside.WithBinary(stack.cfg.FFmpegBinary()))
	final, err := assembler.Assemble(cmd.Context(), segments)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Assembled %d segment(s) into %s\n", len(segments), final)
	return nil
}

func missingSide(match reconcile.Match) string {
	if match.ImageFile == "" {
		return "image"
	}
	return "audio"
}

func imageExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return "jpg"
}
