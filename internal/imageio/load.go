package imageio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"burstfuse/internal/burst"
	"burstfuse/internal/fsutil"
	"burstfuse/internal/motion"
)

// Burst is a loaded burst directory.
type Burst struct {
	Dir        string
	Frames     []*burst.Frame
	Intrinsics *motion.Intrinsics
	FrameDelay time.Duration
	// GyroSamples counts samples read from gyro.csv.
	GyroSamples int
}

// Loader reads burst directories.
type Loader struct {
	Decoder Decoder
	Logger  *slog.Logger
}

func NewLoader(magick bool, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{Decoder: Decoder{Magick: magick}, Logger: logger}
}

// Load decodes every frame of dir. Without a manifest the image files are
// taken in name order at DefaultFrameDelay spacing.
func (l *Loader) Load(ctx context.Context, dir string) (*Burst, error) {
	m, err := ReadManifest(dir)
	if errors.Is(err, fs.ErrNotExist) {
		m, err = synthesizeManifest(dir, l.Decoder.Magick)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	b := &Burst{Dir: dir, Intrinsics: m.Intrinsics, FrameDelay: m.FrameDelay()}
	for i, fe := range m.Frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := fe.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		img, err := l.Decoder.Decode(path)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		b.Frames = append(b.Frames, &burst.Frame{
			Index:     i,
			Timestamp: fe.TimestampNS,
			Source:    img,
			Pattern:   fe.Pattern,
		})
	}

	gf, err := os.Open(filepath.Join(dir, GyroName))
	switch {
	case err == nil:
		defer gf.Close()
		buf := burst.NewGyroBuffer(0)
		n, err := ReadGyro(gf, buf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", GyroName, err)
		}
		buf.AttachMotion(b.Frames)
		b.GyroSamples = n
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	l.Logger.Debug("Loaded burst",
		"dir", dir,
		"frames", len(b.Frames),
		"gyro_samples", b.GyroSamples,
		"frame_delay", b.FrameDelay)
	return b, nil
}

// synthesizeManifest lists the frames of a directory without manifest.
// Cameras that write RAW+JPEG pairs would otherwise contribute every frame
// twice; the RAW half is kept only when ImageMagick can decode it.
func synthesizeManifest(dir string, magick bool) (*Manifest, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, err
	}
	raw, native := fsutil.SeparateRAWAndNative(files)
	switch {
	case len(raw) > 0 && len(native) > 0 && magick:
		files = raw
	case len(native) > 0:
		files = native
	}
	if len(files) == 0 {
		return nil, burst.ErrNoFrames
	}
	m := &Manifest{}
	for i, f := range files {
		m.Frames = append(m.Frames, FrameEntry{File: filepath.Base(f), TimestampNS: int64(i) * int64(DefaultFrameDelay)})
	}
	return m, nil
}

// IsBurstDir reports whether dir holds a manifest or at least two frames.
func IsBurstDir(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ManifestName)); err == nil {
		return true
	}
	files, err := fsutil.ListImages(dir)
	return err == nil && len(files) >= 2
}
