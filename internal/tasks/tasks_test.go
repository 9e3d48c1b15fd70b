package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"burstfuse/internal/imageio"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanDetectsBursts(t *testing.T) {
	root := t.TempDir()

	seq := filepath.Join(root, "seq")
	touch(t, filepath.Join(seq, "IMG_0001.jpg"))
	touch(t, filepath.Join(seq, "IMG_0002.jpg"))

	withManifest := filepath.Join(root, "manifest")
	if err := os.MkdirAll(withManifest, 0755); err != nil {
		t.Fatal(err)
	}
	m := &imageio.Manifest{Frames: []imageio.FrameEntry{
		{File: "a.png", TimestampNS: 0},
		{File: "b.png", TimestampNS: 30e6},
		{File: "c.png", TimestampNS: 60e6},
	}}
	if err := imageio.WriteManifest(withManifest, m); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(withManifest, imageio.GyroName))

	single := filepath.Join(root, "single")
	touch(t, filepath.Join(single, "only.png"))

	res, err := Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.Images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(res.Images))
	}
	if len(res.Bursts) != 2 {
		t.Fatalf("expected 2 bursts, got %+v", res.Bursts)
	}

	man, sq := res.Bursts[0], res.Bursts[1]
	if man.Path != withManifest || !man.HasManifest || !man.HasGyro || man.Frames != 3 || man.Detection != "manifest" {
		t.Fatalf("unexpected manifest burst %+v", man)
	}
	if sq.Path != seq || sq.Detection != "filename_sequence" || sq.Frames != 2 {
		t.Fatalf("unexpected sequence burst %+v", sq)
	}
}

func TestScanTimestampCluster(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "sunrise.png"))
	touch(t, filepath.Join(dir, "beach.png"))

	bursts, err := FindBursts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(bursts) != 1 || bursts[0].Detection != "timestamp_cluster" {
		t.Fatalf("expected one clustered burst, got %+v", bursts)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "beach.png"), old, old); err != nil {
		t.Fatal(err)
	}
	bursts, err = FindBursts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(bursts) != 0 {
		t.Fatalf("expected no bursts once frames are an hour apart, got %+v", bursts)
	}
}

func TestBurstWatcherReportsSettledDirectory(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing")
	touch(t, filepath.Join(existing, "a.png"))
	touch(t, filepath.Join(existing, "b.png"))

	w, err := NewBurstWatcher(root, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	dir := filepath.Join(root, "burst1")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	touch(t, filepath.Join(dir, "frame1.png"))
	touch(t, filepath.Join(dir, "frame2.png"))

	select {
	case ev := <-w.Events:
		if ev.Dir != dir {
			t.Fatalf("expected event for %s, got %s", dir, ev.Dir)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for burst event")
	}

	select {
	case ev := <-w.Events:
		t.Fatalf("unexpected second event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBurstWatcherIgnoresIncompleteDirectory(t *testing.T) {
	root := t.TempDir()
	w, err := NewBurstWatcher(root, 30*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(root, "partial")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(dir, "frame1.png"))

	select {
	case ev := <-w.Events:
		t.Fatalf("single-frame directory should not be reported, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-w.Events; ok {
		t.Fatal("expected Events to be closed after Stop")
	}
}
