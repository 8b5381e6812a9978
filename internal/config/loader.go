package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon and CLI.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir   string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Manifest    string `json:"manifest" yaml:"manifest" toml:"manifest"`
	BlobBaseURL string `json:"blob_base_url" yaml:"blob_base_url" toml:"blob_base_url"`
	CacheDir    string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	StateDir    string `json:"state_dir" yaml:"state_dir" toml:"state_dir"`

	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`

	Device              string `json:"device" yaml:"device" toml:"device"`
	ProbeTimeoutSeconds int    `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds" toml:"probe_timeout_seconds"`

	TileSize      int     `json:"tile_size" yaml:"tile_size" toml:"tile_size"`
	TilePad       int     `json:"tile_pad" yaml:"tile_pad" toml:"tile_pad"`
	Strength      float64 `json:"strength" yaml:"strength" toml:"strength"`
	MaintainScale bool    `json:"maintain_scale" yaml:"maintain_scale" toml:"maintain_scale"`
	Pipeline      string  `json:"pipeline" yaml:"pipeline" toml:"pipeline"`

	CacheMaxAgeHours int `json:"cache_max_age_hours" yaml:"cache_max_age_hours" toml:"cache_max_age_hours"`

	RuntimeCmd      string   `json:"runtime_cmd" yaml:"runtime_cmd" toml:"runtime_cmd"`
	RuntimeArgs     []string `json:"runtime_args" yaml:"runtime_args" toml:"runtime_args"`
	RuntimeArches   []string `json:"runtime_arches" yaml:"runtime_arches" toml:"runtime_arches"`
	RuntimeBackends []string `json:"runtime_backends" yaml:"runtime_backends" toml:"runtime_backends"`

	MinZoom float64 `json:"min_zoom" yaml:"min_zoom" toml:"min_zoom"`
	MaxZoom float64 `json:"max_zoom" yaml:"max_zoom" toml:"max_zoom"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	LogFile   string `json:"log_file" yaml:"log_file" toml:"log_file"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	WatchManifest bool `json:"watch_manifest" yaml:"watch_manifest" toml:"watch_manifest"`
	// Prewarm loads this many recently used models at startup.
	Prewarm int `json:"prewarm" yaml:"prewarm" toml:"prewarm"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envPrefix namespaces every environment override.
const envPrefix = "ENHANCED_"

// ApplyEnv overrides cfg fields from ENHANCED_* environment variables.
func ApplyEnv(cfg *Config) error {
	str := map[string]*string{
		"ADDR":          &cfg.Addr,
		"MODELS_DIR":    &cfg.ModelsDir,
		"MANIFEST":      &cfg.Manifest,
		"BLOB_BASE_URL": &cfg.BlobBaseURL,
		"CACHE_DIR":     &cfg.CacheDir,
		"STATE_DIR":     &cfg.StateDir,
		"DEVICE":        &cfg.Device,
		"PIPELINE":      &cfg.Pipeline,
		"RUNTIME_CMD":   &cfg.RuntimeCmd,
		"LOG_LEVEL":     &cfg.LogLevel,
		"LOG_FORMAT":    &cfg.LogFormat,
		"LOG_FILE":      &cfg.LogFile,
	}
	for k, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + k); ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"MEMORY_BUDGET_MB":      &cfg.MemoryBudgetMB,
		"MEMORY_MARGIN_MB":      &cfg.MemoryMarginMB,
		"PROBE_TIMEOUT_SECONDS": &cfg.ProbeTimeoutSeconds,
		"TILE_SIZE":             &cfg.TileSize,
		"TILE_PAD":              &cfg.TilePad,
		"CACHE_MAX_AGE_HOURS":   &cfg.CacheMaxAgeHours,
		"PREWARM":               &cfg.Prewarm,
	}
	for k, dst := range ints {
		if v, ok := os.LookupEnv(envPrefix + k); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, k, err)
			}
			*dst = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "STRENGTH"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%sSTRENGTH: %w", envPrefix, err)
		}
		cfg.Strength = f
	}
	bools := map[string]*bool{
		"MAINTAIN_SCALE": &cfg.MaintainScale,
		"CORS_ENABLED":   &cfg.CORSEnabled,
		"WATCH_MANIFEST": &cfg.WatchManifest,
	}
	for k, dst := range bools {
		if v, ok := os.LookupEnv(envPrefix + k); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, k, err)
			}
			*dst = b
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "RUNTIME_BACKENDS"); ok {
		cfg.RuntimeBackends = SplitCSV(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "RUNTIME_ARCHES"); ok {
		cfg.RuntimeArches = SplitCSV(v)
	}
	return nil
}

// SplitCSV splits a comma-separated list, trimming blanks.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
