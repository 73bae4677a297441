package pipeline

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rewindos/internal/storage"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 8), nil
}

func solidRGBA(c color.RGBA, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img.Pix
}

func TestPipelineDedupesIdenticalFrames(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil, Config{ScreenshotsDir: t.TempDir(), ChannelBuffer: 4})
	p.Start(ctx)

	pixels := solidRGBA(color.RGBA{10, 20, 30, 255}, 32, 32)

	require.NoError(t, p.Submit(ctx, RawFrame{Timestamp: 1, TimestampMs: 1000, Pixels: pixels, Width: 32, Height: 32}))
	require.NoError(t, p.Submit(ctx, RawFrame{Timestamp: 2, TimestampMs: 2000, Pixels: pixels, Width: 32, Height: 32}))

	p.Stop()

	require.Equal(t, uint64(2), p.metrics.FramesCaptured.Load())
	require.Equal(t, uint64(1), p.metrics.FramesDeduplicated.Load())
}

func TestPipelineKeepsDistinctFrames(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	p := New(db, fakeEmbedder{}, Config{ScreenshotsDir: t.TempDir(), ChannelBuffer: 4})
	p.Start(ctx)

	// A solid frame hashes to all zero bits; a left-to-right brightness ramp
	// hashes to all one bits, so the two are far apart.
	first := solidRGBA(color.RGBA{5, 5, 5, 255}, 32, 32)
	ramp := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(x * 8)
			ramp.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	second := ramp.Pix

	require.NoError(t, p.Submit(ctx, RawFrame{Timestamp: 1, TimestampMs: 1000, Pixels: first, Width: 32, Height: 32}))
	require.NoError(t, p.Submit(ctx, RawFrame{Timestamp: 2, TimestampMs: 2000, Pixels: second, Width: 32, Height: 32}))

	p.Stop()

	require.Equal(t, uint64(0), p.metrics.FramesDeduplicated.Load())

	results, err := db.BrowseScreenshots(ctx, nil, nil, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestStopReturnsPromptlyWhenDrained(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	p := New(db, nil, Config{ScreenshotsDir: t.TempDir()})
	p.Start(ctx)

	start := time.Now()
	p.Stop()
	require.Less(t, time.Since(start), ShutdownTimeout)
}
