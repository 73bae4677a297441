package ipcservice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"rewindos/internal/storage"
)

func TestPauseResumeTogglesState(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil, 10)
	require.False(t, s.IsPaused())

	require.Nil(t, s.Pause())
	require.True(t, s.IsPaused())

	val, ok, err := db.GetDaemonState(ctx, "paused")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", val)

	require.Nil(t, s.Resume())
	require.False(t, s.IsPaused())
}

func TestPauseResumeFailOnDoubleInvoke(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil, 10)

	require.NotNil(t, s.Resume()) // already capturing
	require.Nil(t, s.Pause())
	require.NotNil(t, s.Pause()) // already paused
	require.Nil(t, s.Resume())
	require.NotNil(t, s.Resume()) // already capturing again
}

func TestGetStatusReturnsValidJSON(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil, 15)
	raw, dbusErr := s.GetStatus()
	require.Nil(t, dbusErr)

	var payload statusPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	require.Equal(t, uint32(15), payload.CaptureInterval)
	require.True(t, payload.IsCapturing)
}

func TestSearchReturnsJSONSearchResponse(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	id, err := db.InsertScreenshot(ctx, storage.NewScreenshot{
		Timestamp: 100, TimestampMs: 100000, FilePath: "/tmp/x.png",
		Width: 10, Height: 10, FileSizeBytes: 1,
	})
	require.NoError(t, err)
	require.NoError(t, db.InsertOCRText(ctx, id, "findable text", 2))

	s := New(db, nil, 10)
	raw, dbusErr := s.Search("findable", 10, 0)
	require.Nil(t, dbusErr)

	var resp storage.SearchResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	require.Len(t, resp.Results, 1)
}

func TestDeleteRangeRemovesScreenshots(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory(ctx)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.InsertScreenshot(ctx, storage.NewScreenshot{
		Timestamp: 100, TimestampMs: 100000, FilePath: "/tmp/x.png",
		Width: 10, Height: 10, FileSizeBytes: 1,
	})
	require.NoError(t, err)

	s := New(db, nil, 10)
	count, dbusErr := s.DeleteRange(0, 200)
	require.Nil(t, dbusErr)
	require.Equal(t, int64(1), count)
}
