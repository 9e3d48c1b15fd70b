// Package imageio reads burst directories from disk and writes results.
//
// A burst directory holds the frame images plus an optional manifest.json
// describing capture timing and intrinsics, and an optional gyro.csv with
// angular velocity samples on the same clock as the frame timestamps.
package imageio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"burstfuse/internal/motion"
)

const (
	ManifestName = "manifest.json"
	GyroName     = "gyro.csv"
)

// DefaultFrameDelay spaces frames when no manifest supplies timestamps.
const DefaultFrameDelay = 33 * time.Millisecond

type FrameEntry struct {
	File        string `json:"file"`
	TimestampNS int64  `json:"timestamp_ns"`
	// Pattern marks frames captured with an embedded alignment pattern.
	Pattern bool `json:"pattern,omitempty"`
}

type Manifest struct {
	Frames       []FrameEntry       `json:"frames"`
	Intrinsics   *motion.Intrinsics `json:"intrinsics,omitempty"`
	FrameDelayMS float64            `json:"frame_delay_ms,omitempty"`
	Device       string             `json:"device,omitempty"`
}

// FrameDelay is the capture interval recorded in the manifest, or the
// mean interval between frame timestamps.
func (m *Manifest) FrameDelay() time.Duration {
	if m.FrameDelayMS > 0 {
		return time.Duration(m.FrameDelayMS * float64(time.Millisecond))
	}
	if n := len(m.Frames); n > 1 {
		span := m.Frames[n-1].TimestampNS - m.Frames[0].TimestampNS
		if span > 0 {
			return time.Duration(span / int64(n-1))
		}
	}
	return DefaultFrameDelay
}

// ReadManifest loads dir/manifest.json. A missing file returns
// os.ErrNotExist.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	if len(m.Frames) == 0 {
		return nil, errors.New("manifest lists no frames")
	}
	for i := 1; i < len(m.Frames); i++ {
		if m.Frames[i].TimestampNS < m.Frames[i-1].TimestampNS {
			return nil, fmt.Errorf("manifest frame %d timestamp goes backwards", i)
		}
	}
	return &m, nil
}

// WriteManifest stores m as dir/manifest.json.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), data, 0644)
}
