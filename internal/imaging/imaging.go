// Package imaging implements perceptual hashing, thumbnailing and on-disk
// encoding of captured frames, grounded on
// original_source/crates/rewindos-core/src/hasher.rs (gradient hash,
// 8x8, hamming-distance dedup, aspect-ratio-preserving thumbnails).
//
// The original encodes lossless WebP. No library in the example pack
// provides WebP encoding (golang.org/x/image/webp is decode-only), so
// frames are encoded as PNG instead; see DESIGN.md for the justification.
// File paths therefore use a ".png" extension rather than ".webp".
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"time"

	xdraw "golang.org/x/image/draw"

	"rewindos/internal/rerrors"
)

const (
	hashWidth  = 8
	hashHeight = 8
)

// Hasher computes gradient perceptual hashes, mirroring PerceptualHasher.
type Hasher struct{}

func NewHasher() *Hasher { return &Hasher{} }

// HashImage returns the 8-byte (64-bit) gradient hash of img.
func (h *Hasher) HashImage(img image.Image) []byte {
	gray := resizeGray(img, hashWidth+1, hashHeight)
	bits := make([]bool, 0, hashWidth*hashHeight)
	for y := 0; y < hashHeight; y++ {
		for x := 0; x < hashWidth; x++ {
			left := gray.GrayAt(x, y).Y
			right := gray.GrayAt(x+1, y).Y
			bits = append(bits, left < right)
		}
	}
	return packBits(bits)
}

// HammingDistance returns the number of differing bits between two hashes.
// Mismatched lengths report the maximum possible distance.
func HammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return max(len(a), len(b)) * 8
	}
	dist := 0
	for i := range a {
		dist += popcount(a[i] ^ b[i])
	}
	return dist
}

// IsDuplicate reports whether hash is within threshold hamming distance of
// any of recentHashes.
func IsDuplicate(hash []byte, recentHashes [][]byte, threshold int) bool {
	for _, prev := range recentHashes {
		if HammingDistance(hash, prev) <= threshold {
			return true
		}
	}
	return false
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// resizeGray downsamples src to w x h grayscale using a Catmull-Rom filter.
func resizeGray(src image.Image, w, h int) *image.Gray {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(gray, gray.Bounds(), dst, image.Point{}, draw.Src)
	return gray
}

// CreateThumbnail scales img to maxWidth, preserving aspect ratio. Images
// already narrower than maxWidth are returned unchanged (no upscaling).
func CreateThumbnail(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxWidth {
		return img
	}
	newHeight := int(float64(h) * float64(maxWidth) / float64(w))
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// SaveImage encodes img as PNG to path, creating parent directories as
// needed, and returns the encoded byte size. quality is accepted for API
// symmetry with the original lossless-webp signature but unused.
func SaveImage(img image.Image, path string, quality int) (int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, rerrors.New(rerrors.IO, "imaging.SaveImage", err)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return 0, rerrors.New(rerrors.IO, "imaging.SaveImage", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, rerrors.New(rerrors.IO, "imaging.SaveImage", err)
	}
	return int64(buf.Len()), nil
}

// ScreenshotPath builds "{base}/YYYY-MM-DD/{timestamp_ms}.png".
func ScreenshotPath(screenshotsDir string, timestampMs int64) string {
	date := dateFromTimestampMs(timestampMs)
	return filepath.Join(screenshotsDir, date, fmt.Sprintf("%d.png", timestampMs))
}

// ThumbnailPath builds "{base}/YYYY-MM-DD/thumbs/{timestamp_ms}.png".
func ThumbnailPath(screenshotsDir string, timestampMs int64) string {
	date := dateFromTimestampMs(timestampMs)
	return filepath.Join(screenshotsDir, date, "thumbs", fmt.Sprintf("%d.png", timestampMs))
}

func dateFromTimestampMs(timestampMs int64) string {
	secs := timestampMs / 1000
	t := time.Unix(secs, 0).UTC()
	return t.Format("2006-01-02")
}

// ImageFromRGBA builds an image.RGBA from a raw RGBA8 pixel buffer.
func ImageFromRGBA(pixels []byte, width, height int) (image.Image, error) {
	if len(pixels) != width*height*4 {
		return nil, rerrors.New(rerrors.Hash, "imaging.ImageFromRGBA",
			fmt.Errorf("invalid pixel buffer: got %d bytes, want %d", len(pixels), width*height*4))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, pixels)
	return img, nil
}

// ToRGBA returns img's raw RGBA8 pixel buffer, converting non-RGBA image
// types (e.g. the NRGBA a PNG decoder may hand back) via draw.Draw. This
// is the inverse of ImageFromRGBA, used to hand a captured frame to the
// pipeline's ImageFromRGBA-based decode step without a type assertion at
// every call site.
func ToRGBA(img image.Image) []byte {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba.Pix
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba.Pix
}

// SolidImage builds a width x height RGBA image of a single color, used by
// tests that need deterministic fixtures.
func SolidImage(c color.RGBA, width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
