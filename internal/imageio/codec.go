package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gopkg.in/gographics/imagick.v3/imagick"

	"burstfuse/internal/fsutil"
	"burstfuse/internal/imaging"
)

// ErrUnsupported is returned when no decoder accepts a file.
var ErrUnsupported = errors.New("unsupported image format")

var magickOnce sync.Once

// Decoder turns a frame file into pixels. Go codecs are tried first; when
// Magick is set, RAW files and anything the Go codecs reject go through
// ImageMagick.
type Decoder struct {
	Magick bool
}

func (d Decoder) Decode(path string) (*imaging.Image, error) {
	if fsutil.IsNativeImage(path) {
		img, err := decodeNative(path)
		if err == nil || !d.Magick {
			return img, err
		}
	}
	if !d.Magick {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupported)
	}
	return decodeMagick(path)
}

func decodeNative(path string) (*imaging.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return imaging.FromImage(src), nil
}

func decodeMagick(path string) (*imaging.Image, error) {
	magickOnce.Do(imagick.Initialize)
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagemagick read %s: %w", filepath.Base(path), err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("imagemagick colorspace %s: %w", filepath.Base(path), err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	out, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("imagemagick export %s: %w", filepath.Base(path), err)
	}
	pix, ok := out.([]float32)
	if !ok {
		return nil, fmt.Errorf("imagemagick export %s: unexpected pixel type %T", filepath.Base(path), out)
	}
	return imaging.WrapImage(int(w), int(h), pix)
}

// WriteImage encodes img by the extension of path: PNG (16-bit), TIFF
// (16-bit, deflate) or JPEG.
func WriteImage(path string, img *imaging.Image) error {
	if img.Empty() {
		return errors.New("refusing to write an empty image")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	rgba := img.ToRGBA64()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, rgba)
	case ".tif", ".tiff":
		err = tiff.Encode(f, rgba, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, rgba, &jpeg.Options{Quality: 95})
	default:
		err = fmt.Errorf("%s: %w", filepath.Ext(path), ErrUnsupported)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
