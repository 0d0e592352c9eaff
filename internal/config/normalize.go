package config

import (
	"os"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.WorkspaceRoot, err = expandPath(c.Paths.WorkspaceRoot); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.DatabasePath, err = expandPath(c.Paths.DatabasePath); err != nil {
		return err
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)

	c.Generators.APIKey = strings.TrimSpace(c.Generators.APIKey)
	if c.Generators.APIKey == "" {
		c.Generators.APIKey = strings.TrimSpace(os.Getenv("BOOKVID_API_KEY"))
	}
	c.Generators.BaseURL = strings.TrimRight(strings.TrimSpace(c.Generators.BaseURL), "/")
	c.Generators.VideoModel = strings.TrimSpace(c.Generators.VideoModel)
	c.Generators.ImageModel = strings.TrimSpace(c.Generators.ImageModel)
	c.Generators.DefaultVoice = strings.TrimSpace(c.Generators.DefaultVoice)

	c.Pipeline.FFmpegBinary = strings.TrimSpace(c.Pipeline.FFmpegBinary)
	return nil
}
