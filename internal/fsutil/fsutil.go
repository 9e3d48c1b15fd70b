package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// formats the Go decoders handle without ImageMagick
var nativeExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".webp": {},
}

var rawExts = map[string]struct{}{
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".pef":  {},
	".raf":  {},
	".srw":  {},
	".heic": {},
}

func ext(path string) string { return strings.ToLower(filepath.Ext(path)) }

// IsNativeImage reports whether path can be decoded by the Go image codecs.
func IsNativeImage(path string) bool {
	_, ok := nativeExts[ext(path)]
	return ok
}

// IsRAWFile checks if a file is a RAW camera format or another container
// that needs ImageMagick.
func IsRAWFile(path string) bool {
	_, ok := rawExts[ext(path)]
	return ok
}

// IsImageFile checks if a file is any supported frame format.
func IsImageFile(path string) bool {
	return IsNativeImage(path) || IsRAWFile(path)
}

// ListImages returns the frame files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// SeparateRAWAndNative splits files into those needing ImageMagick and
// those the Go codecs read.
func SeparateRAWAndNative(files []string) (rawFiles, nativeFiles []string) {
	for _, file := range files {
		if IsRAWFile(file) {
			rawFiles = append(rawFiles, file)
		} else if IsNativeImage(file) {
			nativeFiles = append(nativeFiles, file)
		}
	}
	return rawFiles, nativeFiles
}
