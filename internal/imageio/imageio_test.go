package imageio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"burstfuse/internal/burst"
	"burstfuse/internal/imaging"
)

func ramp(w, h int) *imaging.Image {
	img := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, imaging.RGB{R: float32(x) / float32(w), G: float32(y) / float32(h), B: 0.5})
		}
	}
	return img
}

func writeBurst(t *testing.T, n int, ext string) string {
	t.Helper()
	dir := t.TempDir()
	m := &Manifest{FrameDelayMS: 40}
	for i := 0; i < n; i++ {
		name := "frame" + string(rune('a'+i)) + ext
		if err := WriteImage(filepath.Join(dir, name), ramp(32, 24)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		m.Frames = append(m.Frames, FrameEntry{File: name, TimestampNS: int64(i) * 40e6})
	}
	if err := WriteManifest(dir, m); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadManifestBurstWithGyro(t *testing.T) {
	dir := writeBurst(t, 3, ".png")
	var buf bytes.Buffer
	samples := []burst.MotionSample{{Timestamp: 0, Z: 0.1}, {Timestamp: 40e6, Z: 0.1}, {Timestamp: 80e6, Z: 0.2}}
	if err := WriteGyro(&buf, samples); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, GyroName), buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := NewLoader(false, nil).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Frames) != 3 || b.GyroSamples != 3 {
		t.Fatalf("frames=%d gyro=%d", len(b.Frames), b.GyroSamples)
	}
	if b.FrameDelay.Milliseconds() != 40 {
		t.Fatalf("frame delay %v", b.FrameDelay)
	}
	if len(b.Frames[2].Motion) == 0 {
		t.Fatal("expected motion samples attached to frame 2")
	}
	got := b.Frames[0].Source.RGB(16, 12)
	want := ramp(32, 24).RGB(16, 12)
	if d := got.R - want.R; d > 0.001 || d < -0.001 {
		t.Fatalf("pixel round trip: got %v want %v", got, want)
	}
}

func TestLoadWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.tif", "a.tif"} {
		if err := WriteImage(filepath.Join(dir, name), ramp(16, 16)); err != nil {
			t.Fatal(err)
		}
	}
	if !IsBurstDir(dir) {
		t.Fatal("expected directory to be detected as a burst")
	}
	b, err := NewLoader(false, nil).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Frames) != 2 || b.Frames[1].Timestamp != int64(DefaultFrameDelay) {
		t.Fatalf("unexpected frames %+v", b.Frames)
	}
}

func TestLoadSkipsRawHalfOfPairs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"img_1.png", "img_2.png"} {
		if err := WriteImage(filepath.Join(dir, name), ramp(8, 8)); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"img_1.dng", "img_2.dng"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("raw"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	b, err := NewLoader(false, nil).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.Frames) != 2 {
		t.Fatalf("expected the two PNG frames, got %d", len(b.Frames))
	}
}

func TestLoadEmptyDir(t *testing.T) {
	_, err := NewLoader(false, nil).Load(context.Background(), t.TempDir())
	if !errors.Is(err, burst.ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
}

func TestRawNeedsMagick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.dng")
	if err := os.WriteFile(path, []byte("not really raw"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := (Decoder{}).Decode(path); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReadGyroRejectsBackwardsTime(t *testing.T) {
	in := "timestamp_ns,wx,wy,wz\n100,0,0,0\n50,0,0,0\n"
	_, err := ReadGyro(strings.NewReader(in), burst.NewGyroBuffer(8))
	if err == nil || !strings.Contains(err.Error(), "precedes") {
		t.Fatalf("expected ordering error, got %v", err)
	}
}

func TestWriteImageUnknownExtension(t *testing.T) {
	err := WriteImage(filepath.Join(t.TempDir(), "out.xyz"), ramp(4, 4))
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
