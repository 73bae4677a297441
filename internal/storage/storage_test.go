package storage

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func makeScreenshot(ts int64, app string) NewScreenshot {
	return NewScreenshot{
		Timestamp:      ts,
		TimestampMs:    ts * 1000,
		AppName:        strPtr(app),
		WindowTitle:    strPtr("Window " + app),
		WindowClass:    strPtr(app + ".class"),
		FilePath:       "/tmp/shot.png",
		Width:          1920,
		Height:         1080,
		FileSizeBytes:  1024,
		PerceptualHash: hashForTest(ts),
	}
}

// hashForTest derives a well-spread 8-byte fake perceptual hash from ts, so
// screenshots built by makeScreenshot at different timestamps land far apart
// in Hamming distance by default (scene dedup in Search only collapses
// rows whose hashes actually collide; tests exercising that behavior set
// PerceptualHash explicitly).
func hashForTest(ts int64) []byte {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	_, _ = h.Write(buf[:])
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, h.Sum64())
	return out
}

func TestInsertAndGetScreenshot(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	id, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "firefox"))
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	s, err := db.GetScreenshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "firefox", *s.AppName)
	require.Equal(t, OcrPending, s.OcrStatus)
	require.Equal(t, "pending", s.EmbeddingStatus)
}

func TestInsertOCRTextTransitionsStatus(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	id, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "firefox"))
	require.NoError(t, err)

	require.NoError(t, db.InsertOCRText(ctx, id, "hello world", 2))

	s, err := db.GetScreenshot(ctx, id)
	require.NoError(t, err)
	require.Equal(t, OcrDone, s.OcrStatus)

	text, err := db.GetOCRText(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
}

func TestInsertBoundingBoxesRoundTrips(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	id, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "code"))
	require.NoError(t, err)

	conf := 95.5
	boxes := []NewBoundingBox{
		{TextContent: "Hello", X: 10, Y: 20, Width: 50, Height: 15, Confidence: &conf},
		{TextContent: "World", X: 70, Y: 20, Width: 50, Height: 15, Confidence: &conf},
	}
	require.NoError(t, db.InsertBoundingBoxes(ctx, id, boxes))

	got, err := db.GetBoundingBoxes(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Hello", got[0].TextContent)
}

func TestBrowseScreenshotsFiltersByAppAndWindow(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	_, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "firefox"))
	require.NoError(t, err)
	_, err = db.InsertScreenshot(ctx, makeScreenshot(2000, "code"))
	require.NoError(t, err)
	_, err = db.InsertScreenshot(ctx, makeScreenshot(3000, "firefox"))
	require.NoError(t, err)

	app := "firefox"
	results, err := db.BrowseScreenshots(ctx, nil, nil, &app, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(3000), results[0].Timestamp) // most recent first
}

func TestGetRecentHashesReturnsMostRecentFirst(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		s := makeScreenshot(1000+i*100, "firefox")
		s.PerceptualHash = []byte{byte(i)}
		_, err := db.InsertScreenshot(ctx, s)
		require.NoError(t, err)
	}

	hashes, err := db.GetRecentHashes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	require.Equal(t, []byte{2}, hashes[0])
}

func TestSearchFindsInsertedText(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	id, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "firefox"))
	require.NoError(t, err)
	require.NoError(t, db.InsertOCRText(ctx, id, "the quick brown fox", 4))

	resp, err := db.Search(ctx, SearchFilters{Query: "quick", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, id, resp.Results[0].ID)
}

func TestSearchPaginatesAndReportsTotalCount(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		id, err := db.InsertScreenshot(ctx, makeScreenshot(1000+i*100, "firefox"))
		require.NoError(t, err)
		require.NoError(t, db.InsertOCRText(ctx, id, "shared keyword occurrence", 3))
	}

	resp, err := db.Search(ctx, SearchFilters{Query: "keyword", Limit: 2, Offset: 0})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	require.Equal(t, int64(5), resp.TotalCount)
}

func TestSearchDedupesNearIdenticalHashes(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	base := makeScreenshot(1000, "firefox")
	base.PerceptualHash = []byte{0, 0, 0, 0, 0, 0, 0, 0}
	id1, err := db.InsertScreenshot(ctx, base)
	require.NoError(t, err)
	require.NoError(t, db.InsertOCRText(ctx, id1, "stable dashboard text", 3))

	near := makeScreenshot(1060, "firefox")
	near.PerceptualHash = []byte{0, 0, 0, 0, 0, 0, 0, 1} // hamming distance 1
	id2, err := db.InsertScreenshot(ctx, near)
	require.NoError(t, err)
	require.NoError(t, db.InsertOCRText(ctx, id2, "stable dashboard text", 3))

	resp, err := db.Search(ctx, SearchFilters{Query: "dashboard", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, 2, resp.Results[0].GroupCount)
}

func TestDeleteScreenshotsInRangeCascades(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	id, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "firefox"))
	require.NoError(t, err)
	require.NoError(t, db.InsertOCRText(ctx, id, "deletable text", 2))
	conf := 90.0
	require.NoError(t, db.InsertBoundingBoxes(ctx, id, []NewBoundingBox{
		{TextContent: "deletable", X: 0, Y: 0, Width: 10, Height: 10, Confidence: &conf},
	}))

	count, err := db.DeleteScreenshotsInRange(ctx, 0, 2000, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	_, err = db.GetScreenshot(ctx, id)
	require.Error(t, err)

	text, err := db.GetOCRText(ctx, id)
	require.NoError(t, err)
	require.Empty(t, text)

	boxes, err := db.GetBoundingBoxes(ctx, id)
	require.NoError(t, err)
	require.Empty(t, boxes)

	resp, err := db.Search(ctx, SearchFilters{Query: "deletable", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, resp.Results)
}

func TestDeleteScreenshotsBeforeOnlyRemovesOlder(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	_, err := db.InsertScreenshot(ctx, makeScreenshot(1000, "firefox"))
	require.NoError(t, err)
	keepID, err := db.InsertScreenshot(ctx, makeScreenshot(5000, "firefox"))
	require.NoError(t, err)

	count, err := db.DeleteScreenshotsBefore(ctx, 2000, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	_, err = db.GetScreenshot(ctx, keepID)
	require.NoError(t, err)
}

func TestDaemonStateRoundTrips(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetDaemonState(ctx, "paused")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetDaemonState(ctx, "paused", "true"))

	val, ok, err := db.GetDaemonState(ctx, "paused")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", val)
}

func TestAppUsageStatsComputesPercentage(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.InsertScreenshot(ctx, makeScreenshot(int64(1000+i*10), "firefox"))
		require.NoError(t, err)
	}
	_, err := db.InsertScreenshot(ctx, makeScreenshot(1100, "code"))
	require.NoError(t, err)

	stats, err := db.GetAppUsageStats(ctx, 0, 9999)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "firefox", stats[0].AppName)
	require.InDelta(t, 75.0, stats[0].Percentage, 0.01)
}

func TestActiveBlocksSplitsOnGap(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	// Two captures 30s apart (within the fixed 60s gap), then a 200s gap.
	for _, ts := range []int64{0, 30, 230} {
		_, err := db.InsertScreenshot(ctx, makeScreenshot(ts, "firefox"))
		require.NoError(t, err)
	}

	blocks, err := db.GetActiveBlocks(ctx, 0, 9999, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, int64(0), blocks[0].StartTime)
	require.Equal(t, int64(40), blocks[0].EndTime) // last capture (30) + interval (10)
	require.Equal(t, int64(230), blocks[1].StartTime)
}

func TestTaskBreakdownScalesByCaptureInterval(t *testing.T) {
	db := makeTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := db.InsertScreenshot(ctx, makeScreenshot(int64(1000+i*10), "firefox"))
		require.NoError(t, err)
	}

	tasks, err := db.GetTaskBreakdown(ctx, 0, 9999, 15)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, int64(60), tasks[0].EstimatedSeconds)
}
