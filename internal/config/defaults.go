package config

// Default returns the built-in configuration values.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceRoot: "/tmp",
			LogDir:        "~/.local/share/bookvid/logs",
			DatabasePath:  "~/.local/share/bookvid/runs.db",
			APIBind:       "127.0.0.1:8487",
		},
		Generators: Generators{
			BaseURL:        "https://api.generator.local",
			VideoModel:     "doubao-seedance-1-5-pro-251215",
			ImageModel:     "doubao-seedream-3-0-t2i",
			DefaultVoice:   "zh_female_shuangkuaisisi_moon_bigtts",
			TimeoutSeconds: 120,
		},
		Pipeline: Pipeline{
			SegmentDelaySeconds: 3,
			TransitionSeconds:   1.0,
			Zoom:                1.2,
			FrameRate:           30,
			FrameWidth:          1280,
			FrameHeight:         720,
			FFmpegBinary:        "ffmpeg",
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
