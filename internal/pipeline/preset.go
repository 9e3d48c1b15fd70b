package pipeline

import (
	"fmt"
	"strings"
	"time"

	"burstfuse/internal/fusion"
)

// Preset selects which optional stages run.
type Preset int

const (
	PresetFast Preset = iota
	PresetBalanced
	PresetMax
	PresetUltra
)

var presetNames = []string{"fast", "balanced", "max", "ultra"}

func (p Preset) String() string {
	if p >= 0 && int(p) < len(presetNames) {
		return presetNames[p]
	}
	return fmt.Sprintf("preset(%d)", int(p))
}

func ParsePreset(s string) (Preset, error) {
	for i, name := range presetNames {
		if strings.EqualFold(s, name) {
			return Preset(i), nil
		}
	}
	return 0, fmt.Errorf("unknown preset %q (want one of %s)", s, strings.Join(presetNames, ", "))
}

func (p Preset) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Preset) UnmarshalText(b []byte) error {
	v, err := ParsePreset(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Presets lists every preset in order.
func Presets() []Preset { return []Preset{PresetFast, PresetBalanced, PresetMax, PresetUltra} }

// PresetConfig is the stage plan a preset expands to.
type PresetConfig struct {
	Method      fusion.Method `json:"method"`
	FusionScale int           `json:"fusion_scale"`
	Wiener      bool          `json:"wiener"`
	// DetailMask computes the edge mask. Without SelectiveSR it is only
	// reported.
	DetailMask  bool `json:"detail_mask"`
	SelectiveSR bool `json:"selective_sr"`
	// Refine runs the upscaler over the whole fused image.
	Refine bool `json:"refine"`
	// PatternAlign enables the correlation path for repetitive texture.
	PatternAlign bool          `json:"pattern_align"`
	Budget       time.Duration `json:"budget"`
	Description  string        `json:"description"`
}

func (p Preset) Config() PresetConfig {
	switch p {
	case PresetBalanced:
		return PresetConfig{
			Method:      fusion.MethodHuber,
			FusionScale: 1,
			Wiener:      true,
			DetailMask:  true,
			Budget:      60 * time.Second,
			Description: "alignment and fusion with denoising, detail mask as diagnostic output",
		}
	case PresetMax:
		return PresetConfig{
			Method:      fusion.MethodTukey,
			FusionScale: 2,
			DetailMask:  true,
			SelectiveSR: true,
			Budget:      180 * time.Second,
			Description: "2x multi-frame super-resolution with model enhancement on detail tiles",
		}
	case PresetUltra:
		return PresetConfig{
			Method:       fusion.MethodTrimmedMean,
			FusionScale:  2,
			Refine:       true,
			PatternAlign: true,
			Budget:       600 * time.Second,
			Description:  "2x fusion followed by full-image model upscale and refine blend",
		}
	}
	return PresetConfig{
		Method:      fusion.MethodHuber,
		FusionScale: 1,
		Budget:      30 * time.Second,
		Description: "alignment and robust fusion only",
	}
}
