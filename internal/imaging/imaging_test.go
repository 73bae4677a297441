package imaging

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func gradientImage(inverse bool) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8((x*4 + y*4) % 256)
			if inverse {
				v = 255 - v
			}
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestIdenticalImagesHaveZeroDistance(t *testing.T) {
	h := NewHasher()
	img := SolidImage(color.RGBA{100, 150, 200, 255}, 64, 64)

	a := h.HashImage(img)
	b := h.HashImage(img)

	if dist := HammingDistance(a, b); dist != 0 {
		t.Fatalf("identical images should produce distance 0, got %d", dist)
	}
}

func TestSimilarImagesHaveLowDistance(t *testing.T) {
	h := NewHasher()
	a := h.HashImage(SolidImage(color.RGBA{100, 150, 200, 255}, 64, 64))
	b := h.HashImage(SolidImage(color.RGBA{102, 152, 202, 255}, 64, 64))

	if dist := HammingDistance(a, b); dist > 5 {
		t.Fatalf("similar images should have low distance, got %d", dist)
	}
}

func TestDifferentImagesHaveHighDistance(t *testing.T) {
	h := NewHasher()
	a := h.HashImage(gradientImage(false))
	b := h.HashImage(gradientImage(true))

	if dist := HammingDistance(a, b); dist <= 10 {
		t.Fatalf("different images should have high distance, got %d", dist)
	}
}

func TestIsDuplicateDetectsMatchingHash(t *testing.T) {
	h := NewHasher()
	hash := h.HashImage(SolidImage(color.RGBA{100, 150, 200, 255}, 64, 64))

	recent := [][]byte{hash}
	if !IsDuplicate(hash, recent, 3) {
		t.Fatalf("expected hash to be flagged as duplicate")
	}
}

func TestIsDuplicateRejectsDifferentHash(t *testing.T) {
	h := NewHasher()
	a := h.HashImage(gradientImage(false))
	b := h.HashImage(gradientImage(true))

	if IsDuplicate(a, [][]byte{b}, 3) {
		t.Fatalf("expected structurally different hashes to not be flagged as duplicates")
	}
}

func TestCreateThumbnailPreservesAspectRatio(t *testing.T) {
	img := SolidImage(color.RGBA{100, 100, 100, 255}, 1920, 1080)
	thumb := CreateThumbnail(img, 320)

	b := thumb.Bounds()
	if b.Dx() != 320 {
		t.Fatalf("expected width 320, got %d", b.Dx())
	}
	if b.Dy() != 180 {
		t.Fatalf("expected height 180, got %d", b.Dy())
	}
}

func TestCreateThumbnailDoesNotUpscale(t *testing.T) {
	img := SolidImage(color.RGBA{100, 100, 100, 255}, 200, 100)
	thumb := CreateThumbnail(img, 320)

	b := thumb.Bounds()
	if b.Dx() != 200 || b.Dy() != 100 {
		t.Fatalf("expected unchanged 200x100, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestSaveImageCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.png")
	img := SolidImage(color.RGBA{100, 150, 200, 255}, 64, 64)

	size, err := SaveImage(img, path, 80)
	if err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected positive size, got %d", size)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestSaveImageCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "test.png")
	img := SolidImage(color.RGBA{100, 150, 200, 255}, 32, 32)

	if _, err := SaveImage(img, path, 80); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected nested file to exist: %v", err)
	}
}

func TestImageFromRGBAHandlesValidBuffer(t *testing.T) {
	pixels := make([]byte, 64*64*4)
	for i := range pixels {
		pixels[i] = 255
	}
	img, err := ImageFromRGBA(pixels, 64, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("expected 64x64, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestImageFromRGBARejectsInvalidBuffer(t *testing.T) {
	pixels := make([]byte, 10)
	if _, err := ImageFromRGBA(pixels, 64, 64); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
}

func TestScreenshotPathFormatsCorrectly(t *testing.T) {
	base := "/home/user/.rewindos/screenshots"
	tsMs := int64(1706137200_000) // 2024-01-24 23:00 in UTC

	path := ScreenshotPath(base, tsMs)

	if !strings.Contains(path, "2024-01-2") {
		t.Fatalf("expected path to contain date, got %q", path)
	}
	if !strings.HasSuffix(path, ".png") {
		t.Fatalf("expected .png suffix, got %q", path)
	}
}

func TestThumbnailPathIncludesThumbsDir(t *testing.T) {
	base := "/home/user/.rewindos/screenshots"
	tsMs := int64(1706137200_000)

	path := ThumbnailPath(base, tsMs)

	if !strings.Contains(path, "thumbs") {
		t.Fatalf("expected path to contain thumbs dir, got %q", path)
	}
}
