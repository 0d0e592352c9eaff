package config

import (
	"errors"
	"fmt"
)

// Validate checks configuration invariants the pipeline depends on.
func (c *Config) Validate() error {
	if c.Paths.WorkspaceRoot == "" {
		return errors.New("config: paths.workspace_root is required")
	}
	if c.Generators.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: generators.timeout_seconds must be positive, got %d", c.Generators.TimeoutSeconds)
	}
	if c.Pipeline.SegmentDelaySeconds < 0 {
		return fmt.Errorf("config: pipeline.segment_delay_seconds must not be negative, got %d", c.Pipeline.SegmentDelaySeconds)
	}
	if c.Pipeline.TransitionSeconds <= 0 {
		return fmt.Errorf("config: pipeline.transition_seconds must be positive, got %g", c.Pipeline.TransitionSeconds)
	}
	if c.Pipeline.Zoom <= 1 {
		return fmt.Errorf("config: pipeline.zoom must be greater than 1, got %g", c.Pipeline.Zoom)
	}
	if c.Pipeline.FrameRate <= 0 {
		return fmt.Errorf("config: pipeline.frame_rate must be positive, got %d", c.Pipeline.FrameRate)
	}
	if c.Pipeline.FrameWidth <= 0 || c.Pipeline.FrameHeight <= 0 {
		return fmt.Errorf("config: pipeline resolution must be positive, got %dx%d", c.Pipeline.FrameWidth, c.Pipeline.FrameHeight)
	}
	return nil
}
