// Package render implements the blur-fit composition shared by the image
// thumbnail cache (C7), album cover cache (C8), and video mosaic cache (C9):
// a blurred, cover-cropped copy of the source fills the square as a
// background, and a contain-fit copy of the same source is composited on top
// of it, centered. Package render has no knowledge of fingerprints, caches,
// or HTTP — it only turns decoded images into a square JPEG.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/disintegration/imaging"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Quality is the default JPEG quality used for derivative renders.
const Quality = 85

// BlurFit composes img into a size x size square: a blurred, brightness-
// reduced cover-crop background with a centered contain-fit foreground.
func BlurFit(img image.Image, size int) image.Image {
	background := imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	background = imaging.Blur(background, blurRadius(size))
	background = imaging.AdjustBrightness(background, -8)

	foreground := imaging.Fit(img, size, size, imaging.Lanczos)

	canvas := imaging.New(size, size, color.NRGBA{0, 0, 0, 0})
	canvas = imaging.Paste(canvas, background, image.Point{})
	canvas = imaging.PasteCenter(canvas, foreground)
	return canvas
}

// blurRadius follows spec.md §4.6: max(2, size/18).
func blurRadius(size int) float64 {
	r := float64(size) / 18
	if r < 2 {
		return 2
	}
	return r
}

// OpenOriented opens an image file from disk applying EXIF auto-orientation
// and seeking animated images to their first frame.
func OpenOriented(path string) (image.Image, error) {
	return imaging.Open(path, imaging.AutoOrientation(true))
}

// Quadrant renders one quadrant image at half the mosaic size, used by the
// 2x2 album-cover and video-mosaic composers.
func Quadrant(img image.Image, size int) image.Image {
	return BlurFit(img, size)
}

// Mosaic2x2 assembles four already-rendered quadrant images (top-left,
// top-right, bottom-left, bottom-right order) into one size x size canvas.
func Mosaic2x2(quadrants [4]image.Image, size int) (image.Image, error) {
	if size%2 != 0 {
		return nil, fmt.Errorf("render: mosaic size must be even, got %d", size)
	}
	half := size / 2
	canvas := imaging.New(size, size, color.NRGBA{0, 0, 0, 0})
	positions := [4]image.Point{
		{X: 0, Y: 0},
		{X: half, Y: 0},
		{X: 0, Y: half},
		{X: half, Y: half},
	}
	for i, q := range quadrants {
		resized := imaging.Resize(q, half, half, imaging.Lanczos)
		canvas = imaging.Paste(canvas, resized, positions[i])
	}
	return canvas, nil
}

// EncodeJPEGAtomic encodes img as a baseline JPEG at quality (the encoder
// writes neither progressive scans nor optimized Huffman tables), writing it to a ".tmp" sibling of path and renaming it into place so
// readers never observe a partially written file.
func EncodeJPEGAtomic(path string, img image.Image, quality int) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("render: create temp file: %w", err)
	}

	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("render: encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("render: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("render: rename temp file: %w", err)
	}
	return nil
}

// EncodeJPEG encodes img as JPEG at quality and writes it to w, without
// touching the on-disk cache.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

// DecodeBytes decodes an arbitrary supported image format from memory,
// applying EXIF auto-orientation.
func DecodeBytes(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}
