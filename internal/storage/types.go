// Package storage is the embedded SQLite engine backing rewindos: schema,
// FTS5 full-text search, sqlite-vec k-NN search, and their RRF-fused hybrid
// mode. Grounded on original_source/crates/rewindos-core/src/{schema,db}.rs
// for shape and query semantics, and on the teacher's
// internal/rag/retrieve/{fusion,candidates}.go for the RRF fusion idiom and
// internal/persistence/databases/pool.go for the "open, pragma, migrate"
// sequencing (substituted here for modernc/pgx with mattn/go-sqlite3 +
// sqlite-vec, since the domain needs a single embedded file, not Postgres).
package storage

// OcrStatus tracks a screenshot's OCR pipeline stage.
type OcrStatus string

const (
	OcrPending    OcrStatus = "pending"
	OcrProcessing OcrStatus = "processing"
	OcrDone       OcrStatus = "done"
	OcrFailed     OcrStatus = "failed"
)

func ParseOcrStatus(s string) OcrStatus {
	switch s {
	case "processing":
		return OcrProcessing
	case "done":
		return OcrDone
	case "failed":
		return OcrFailed
	default:
		return OcrPending
	}
}

// Screenshot is a single captured-and-stored frame.
type Screenshot struct {
	ID              int64
	Timestamp       int64
	TimestampMs     int64
	AppName         *string
	WindowTitle     *string
	WindowClass     *string
	FilePath        string
	ThumbnailPath   *string
	Width           int
	Height          int
	FileSizeBytes   int64
	PerceptualHash  []byte
	OcrStatus       OcrStatus
	EmbeddingStatus string
	CreatedAt       string
}

// NewScreenshot is the insert DTO for a captured frame.
type NewScreenshot struct {
	Timestamp      int64
	TimestampMs    int64
	AppName        *string
	WindowTitle    *string
	WindowClass    *string
	FilePath       string
	ThumbnailPath  *string
	Width          int
	Height         int
	FileSizeBytes  int64
	PerceptualHash []byte
}

// BoundingBox is an OCR-recognized word's location, persisted per screenshot.
type BoundingBox struct {
	ID            int64
	ScreenshotID  int64
	TextContent   string
	X, Y          int
	Width, Height int
	Confidence    *float64
}

// NewBoundingBox is the insert DTO for a single recognized word.
type NewBoundingBox struct {
	TextContent   string
	X, Y          int
	Width, Height int
	Confidence    *float64
}

// SearchResult is a single ranked hit, with optional scene-dedup grouping.
type SearchResult struct {
	ID                 int64
	Timestamp          int64
	AppName            *string
	WindowTitle        *string
	ThumbnailPath      *string
	FilePath           string
	MatchedText        string
	Rank               float64
	GroupCount         int
	GroupScreenshotIDs []int64
}

// SearchFilters parameterizes Search and HybridSearch.
type SearchFilters struct {
	Query     string
	StartTime *int64
	EndTime   *int64
	AppName   *string
	Limit     int64
	Offset    int64
}

// SearchResponse is the paginated result of a Search/HybridSearch call.
type SearchResponse struct {
	Results    []SearchResult
	TotalCount int64
	SearchMode string
}

// QueueDepths reports each pipeline stage's in-flight backlog.
type QueueDepths struct {
	Capture uint64
	Hash    uint64
	Ocr     uint64
	Index   uint64
}

// DaemonStatus has the same fields as the snapshot returned by the IPC
// GetStatus call; GetStatus itself encodes ipcservice's statusPayload.
type DaemonStatus struct {
	IsCapturing             bool
	FramesCapturedToday     uint64
	FramesDeduplicatedToday uint64
	FramesOcrPending        uint64
	QueueDepths             QueueDepths
	UptimeSeconds           uint64
	DiskUsageBytes          uint64
	CaptureInterval         uint32
	LastCaptureTimestamp    *int64
}

type AppUsageStat struct {
	AppName         string
	ScreenshotCount int64
	Percentage      float64
}

type DailyActivity struct {
	Date            string
	ScreenshotCount int64
	UniqueApps      int64
}

type HourlyActivity struct {
	Hour            int
	ScreenshotCount int64
}

type ActivityResponse struct {
	AppUsage         []AppUsageStat
	DailyActivity    []DailyActivity
	HourlyActivity   []HourlyActivity
	TotalScreenshots int64
	TotalApps        int64
}

type TaskUsageStat struct {
	AppName          string
	WindowTitle      *string
	ScreenshotCount  int64
	EstimatedSeconds int64
}

type ActiveBlock struct {
	StartTime    int64
	EndTime      int64
	DurationSecs int64
}

type CachedDailySummary struct {
	DateKey         string
	SummaryText     *string
	AppBreakdown    string
	TotalSessions   int64
	TimeRange       string
	ModelName       *string
	GeneratedAt     string
	ScreenshotCount int64
}
