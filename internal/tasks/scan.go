package tasks

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"burstfuse/internal/fsutil"
	"burstfuse/internal/imageio"
)

// BurstDir describes a directory that can be fed to a run.
type BurstDir struct {
	Path        string    `json:"path"`
	Frames      int       `json:"frames"`
	HasManifest bool      `json:"has_manifest"`
	HasGyro     bool      `json:"has_gyro"`
	Detection   string    `json:"detection"`
	Modified    time.Time `json:"modified"`
}

// ScanResult captures detected bursts.
type ScanResult struct {
	Images []string
	Bursts []BurstDir
}

// Scan walks root and reports every directory that holds a burst. A
// directory counts when it has a manifest, a numbered frame sequence, or
// frames captured within a short time window.
func Scan(root string) (ScanResult, error) {
	var res ScanResult
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		files, err := fsutil.ListImages(path)
		if err != nil {
			return err
		}
		res.Images = append(res.Images, files...)
		if b, ok := classifyDir(path, files); ok {
			res.Bursts = append(res.Bursts, b)
		}
		return nil
	})
	sort.Strings(res.Images)
	sort.Slice(res.Bursts, func(i, j int) bool { return res.Bursts[i].Path < res.Bursts[j].Path })
	return res, err
}

// FindBursts is Scan without the image list.
func FindBursts(root string) ([]BurstDir, error) {
	res, err := Scan(root)
	return res.Bursts, err
}

func classifyDir(dir string, files []string) (BurstDir, bool) {
	b := BurstDir{Path: dir, Frames: len(files)}
	if st, err := os.Stat(filepath.Join(dir, imageio.GyroName)); err == nil {
		b.HasGyro = true
		b.Modified = st.ModTime()
	}
	if st, err := os.Stat(filepath.Join(dir, imageio.ManifestName)); err == nil {
		b.HasManifest = true
		b.Detection = "manifest"
		if st.ModTime().After(b.Modified) {
			b.Modified = st.ModTime()
		}
		if m, err := imageio.ReadManifest(dir); err == nil {
			b.Frames = len(m.Frames)
		}
		return b, true
	}
	if len(files) < 2 {
		return b, false
	}
	switch {
	case isSequence(files):
		b.Detection = "filename_sequence"
	case isTimestampCluster(files, 10*time.Second):
		b.Detection = "timestamp_cluster"
	default:
		return b, false
	}
	for _, f := range files {
		if st, err := os.Stat(f); err == nil && st.ModTime().After(b.Modified) {
			b.Modified = st.ModTime()
		}
	}
	return b, true
}

var sequencePattern = regexp.MustCompile(`^(.*?)(\d+)(\D*)$`)

// isSequence reports whether every file shares a prefix followed by a number.
func isSequence(files []string) bool {
	prefix := ""
	for i, f := range files {
		m := sequencePattern.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			return false
		}
		if i == 0 {
			prefix = m[1]
		} else if m[1] != prefix {
			return false
		}
	}
	return true
}

// isTimestampCluster reports whether all files were written within window.
func isTimestampCluster(files []string, window time.Duration) bool {
	var lo, hi time.Time
	for i, f := range files {
		st, err := os.Stat(f)
		if err != nil {
			return false
		}
		t := st.ModTime()
		if i == 0 || t.Before(lo) {
			lo = t
		}
		if i == 0 || t.After(hi) {
			hi = t
		}
	}
	return hi.Sub(lo) <= window
}
