package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"burstfuse/internal/fusion"
	"burstfuse/internal/superres"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("BURSTFUSE_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.Preset != "balanced" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected defaults %+v", cfg.Processing)
	}
	if cfg.SuperRes.TileSize != 256 || cfg.SuperRes.Overlap != 32 || cfg.SuperRes.MaxMegapixels != 100 {
		t.Fatalf("unexpected superres defaults %+v", cfg.SuperRes.Options)
	}
	if cfg.Alignment.TileSize != 32 || cfg.Detail.TileSize != 64 {
		t.Fatalf("unexpected tile defaults align=%d detail=%d", cfg.Alignment.TileSize, cfg.Detail.TileSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "processing": {"preset": "max", "memory_limit": "512MB"},
  "storage": {"driver": "sqlite3"},
  "fusion": {"method": "tukey"},
  "superres": {"cap_policy": "abort", "backend": "magick"},
  "governor": {"poll_seconds": 0.5}
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BURSTFUSE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.Preset != "max" || cfg.MemoryLimitBytes() != 512<<20 {
		t.Fatalf("processing not overridden: %+v", cfg.Processing)
	}
	if cfg.Storage.Driver != "sqlite3" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Fusion.Method != fusion.MethodTukey {
		t.Fatalf("method = %v", cfg.Fusion.Method)
	}
	if cfg.SuperRes.Cap != superres.CapAbort || cfg.SuperRes.Backend != "magick" {
		t.Fatalf("superres = %+v", cfg.SuperRes)
	}
	// untouched fields keep their defaults
	if cfg.SuperRes.TileSize != 256 || cfg.Governor.CriticalC != 50 {
		t.Fatalf("defaults lost: tile=%d critical=%v", cfg.SuperRes.TileSize, cfg.Governor.CriticalC)
	}
	g := cfg.GovernorOptions()
	if g.PollInterval != 500*time.Millisecond || g.MaxPause != time.Minute {
		t.Fatalf("governor durations poll=%v pause=%v", g.PollInterval, g.MaxPause)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"driver":   `{"storage": {"driver": "postgres"}}`,
		"backend":  `{"superres": {"backend": "onnx"}}`,
		"memory":   `{"processing": {"memory_limit": "lots"}}`,
		"thermal":  `{"governor": {"hot_c": 60}}`,
		"syntax":   `{"processing": `,
		"capvalue": `{"superres": {"cap_policy": "shrug"}}`,
		"overlap":  `{"superres": {"tile_size": 64, "overlap": 32}}`,
		"strength": `{"superres": {"refine_strength": 1.5}}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Processing.Preset = "ultra"
	cfg.Server.HTTPAddr = ":9999"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Processing.Preset != "ultra" || got.Server.HTTPAddr != ":9999" {
		t.Fatalf("round trip lost fields: %+v %+v", got.Processing, got.Server)
	}
}

func TestParseBytes(t *testing.T) {
	cases := map[string]uint64{
		"":      0,
		"2GB":   2 << 30,
		"1.5gb": 3 << 29,
		"64 MB": 64 << 20,
		"10kb":  10 << 10,
		"100":   100,
	}
	for in, want := range cases {
		got, err := ParseBytes(in)
		if err != nil || got != want {
			t.Errorf("ParseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseBytes("-1GB"); err == nil {
		t.Error("expected error for negative size")
	}
}
