package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"burstfuse/internal/align"
	"burstfuse/internal/detail"
	"burstfuse/internal/fusion"
	"burstfuse/internal/governor"
	"burstfuse/internal/superres"
)

const (
	defaultConfigPath = "~/.config/burstfuse/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the engine and its surfaces.
type Config struct {
	Processing Processing     `json:"processing"`
	Logging    Logging        `json:"logging"`
	Paths      Paths          `json:"paths"`
	Storage    Storage        `json:"storage"`
	Alignment  align.Options  `json:"alignment"`
	Fusion     fusion.Options `json:"fusion"`
	Detail     detail.Options `json:"detail"`
	SuperRes   SuperRes       `json:"superres"`
	Governor   GovernorConfig `json:"governor"`
	Server     Server         `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	Preset string `json:"preset"` // fast, balanced, max, ultra
	// Threads sizes the tile worker pool; 0 uses the detected tier default.
	Threads int `json:"threads"`
	// ParallelJobs is the number of queue workers in serve and watch.
	ParallelJobs int `json:"parallel_jobs"`
	// BudgetScale multiplies preset wall-clock budgets; 0 uses the tier default.
	BudgetScale float64 `json:"budget_scale"`
	MaxFrames   int     `json:"max_frames"`
	MemoryLimit string  `json:"memory_limit"`
	MinCoverage float64 `json:"min_coverage"`
	// Magick enables the ImageMagick decoder for RAW and exotic formats.
	Magick bool `json:"magick"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json, traditional
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	Inbox         string `json:"inbox"`
	DatabasePath  string `json:"database_path"`
}

// Storage selects the run-history driver.
type Storage struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// SuperRes configures the tiled model stage.
type SuperRes struct {
	superres.Options
	Backend    string `json:"backend"` // interpolate, magick
	ModelScale int    `json:"model_scale"`
	// RefineStrength in [0,1]; 0 keeps the interpolated image. Omitted uses
	// the engine default.
	RefineStrength *float32 `json:"refine_strength,omitempty"`
	SharpenAmount  float32  `json:"sharpen_amount"`
}

// GovernorConfig holds thresholds in config-friendly units.
type GovernorConfig struct {
	WarmC          float64 `json:"warm_c"`
	HotC           float64 `json:"hot_c"`
	CriticalC      float64 `json:"critical_c"`
	ResumeC        float64 `json:"resume_c"`
	MemoryLow      float64 `json:"memory_low"`
	MemoryCritical float64 `json:"memory_critical"`
	PollSeconds    float64 `json:"poll_seconds"`
	MaxPauseSec    float64 `json:"max_pause_seconds"`
	WarmScale      float64 `json:"warm_scale"`
	// ThermalRoot overrides /sys/class for the sysfs thermal sensor.
	ThermalRoot string `json:"thermal_root"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Path returns the configuration file location honouring BURSTFUSE_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("BURSTFUSE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// Validate rejects settings the engine cannot honour.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.SuperRes.Backend) {
	case "interpolate", "magick":
	default:
		return fmt.Errorf("unknown superres backend %q", c.SuperRes.Backend)
	}
	if sr := c.SuperRes; sr.TileSize > 0 && sr.Overlap*2 >= sr.TileSize {
		return fmt.Errorf("superres overlap %d must be below half of tile_size %d", sr.Overlap, sr.TileSize)
	}
	if s := c.SuperRes.RefineStrength; s != nil && (*s < 0 || *s > 1) {
		return fmt.Errorf("superres refine_strength %v outside [0,1]", *s)
	}
	if _, err := ParseBytes(c.Processing.MemoryLimit); err != nil {
		return err
	}
	if c.Governor.CriticalC <= c.Governor.HotC || c.Governor.HotC <= c.Governor.WarmC {
		return errors.New("governor thresholds must increase warm < hot < critical")
	}
	if c.Governor.MemoryCritical <= c.Governor.MemoryLow {
		return errors.New("governor memory_critical must exceed memory_low")
	}
	return nil
}

// GovernorOptions converts the governor section.
func (c *Config) GovernorOptions() governor.Options {
	g := c.Governor
	return governor.Options{
		WarmC:          g.WarmC,
		HotC:           g.HotC,
		CriticalC:      g.CriticalC,
		ResumeC:        g.ResumeC,
		MemoryLow:      g.MemoryLow,
		MemoryCritical: g.MemoryCritical,
		PollInterval:   time.Duration(g.PollSeconds * float64(time.Second)),
		MaxPause:       time.Duration(g.MaxPauseSec * float64(time.Second)),
		WarmScale:      g.WarmScale,
	}
}

// MemoryLimitBytes is the parsed memory_limit, 0 when unset.
func (c *Config) MemoryLimitBytes() uint64 {
	n, _ := ParseBytes(c.Processing.MemoryLimit)
	return n
}

// ParseBytes parses sizes such as "512MB" or "4GB". Empty means 0.
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	mult := uint64(1)
	for _, u := range []struct {
		suffix string
		mult   uint64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	return uint64(v * float64(mult)), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	gov := governor.DefaultOptions()
	sr := superres.DefaultOptions()
	refine := float32(0.8)
	return &Config{
		Processing: Processing{
			Preset:       "balanced",
			ParallelJobs: defaultParallel,
			MaxFrames:    0,
			MemoryLimit:  "",
			MinCoverage:  0.5,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "traditional",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			Inbox:         "./inbox",
			DatabasePath:  filepath.Join(os.TempDir(), "burstfuse.db"),
		},
		Storage:   Storage{Driver: "sqlite"},
		Alignment: align.DefaultOptions(),
		Fusion:    fusion.DefaultOptions(),
		Detail:    detail.DefaultOptions(),
		SuperRes: SuperRes{
			Options:        sr,
			Backend:        "interpolate",
			ModelScale:     4,
			RefineStrength: &refine,
			SharpenAmount:  0.6,
		},
		Governor: GovernorConfig{
			WarmC:          gov.WarmC,
			HotC:           gov.HotC,
			CriticalC:      gov.CriticalC,
			ResumeC:        gov.ResumeC,
			MemoryLow:      gov.MemoryLow,
			MemoryCritical: gov.MemoryCritical,
			PollSeconds:    gov.PollInterval.Seconds(),
			MaxPauseSec:    gov.MaxPause.Seconds(),
			WarmScale:      gov.WarmScale,
		},
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
