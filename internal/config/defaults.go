package config

import (
	"fmt"
	"path/filepath"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultAddr             = ":8080"
	DefaultModelsDir        = "~/.enhanced/models"
	DefaultCacheDir         = "~/.enhanced/cache"
	DefaultStateDir         = "~/.enhanced/state"
	DefaultTileSize         = 512
	DefaultTilePad          = 16
	DefaultStrength         = 0.8
	DefaultCacheMaxAgeHours = 7 * 24
	DefaultProbeTimeout     = 5
	DefaultMinZoom          = 0.01
	DefaultMaxZoom          = 32
	DefaultPipeline         = "fanout"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
)

// WithDefaults returns a copy of cfg with zero fields filled in.
func WithDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = DefaultModelsDir
	}
	if cfg.Manifest == "" {
		cfg.Manifest = filepath.Join(cfg.ModelsDir, "models.json")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.ProbeTimeoutSeconds <= 0 {
		cfg.ProbeTimeoutSeconds = DefaultProbeTimeout
	}
	if cfg.TileSize < 0 {
		cfg.TileSize = 0
	} else if cfg.TileSize == 0 {
		cfg.TileSize = DefaultTileSize
	}
	if cfg.TilePad < 0 {
		cfg.TilePad = 0
	} else if cfg.TilePad == 0 {
		cfg.TilePad = DefaultTilePad
	}
	if cfg.Strength <= 0 {
		cfg.Strength = DefaultStrength
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = DefaultPipeline
	}
	if cfg.CacheMaxAgeHours <= 0 {
		cfg.CacheMaxAgeHours = DefaultCacheMaxAgeHours
	}
	if cfg.MinZoom <= 0 {
		cfg.MinZoom = DefaultMinZoom
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = DefaultMaxZoom
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
	return cfg
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.Strength > 1 {
		return fmt.Errorf("strength must be in (0,1], got %v", c.Strength)
	}
	if c.Pipeline != "fanout" && c.Pipeline != "chain" {
		return fmt.Errorf("pipeline must be fanout or chain, got %q", c.Pipeline)
	}
	if c.MemoryBudgetMB < 0 || c.MemoryMarginMB < 0 {
		return fmt.Errorf("memory budget and margin must be >= 0")
	}
	if c.MinZoom > c.MaxZoom {
		return fmt.Errorf("min_zoom %v exceeds max_zoom %v", c.MinZoom, c.MaxZoom)
	}
	if c.TileSize > 0 && c.TilePad*2 >= c.TileSize {
		return fmt.Errorf("tile_pad %d too large for tile_size %d", c.TilePad, c.TileSize)
	}
	switch c.Device {
	case "", "cpu", "cuda", "mps", "rocm":
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	return nil
}
