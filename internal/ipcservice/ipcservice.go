// Package ipcservice exposes the daemon over session D-Bus as
// com.rewindos.Daemon, grounded on godbus/dbus/v5's export-a-struct's-
// methods idiom (conn.Export + introspect.Introspectable) rather than a
// hand-rolled socket protocol, since the rest of the desktop-integration
// stack (windowinfo, capture) already talks D-Bus.
package ipcservice

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"

	"rewindos/internal/pipeline"
	"rewindos/internal/rerrors"
	"rewindos/internal/storage"
)

const (
	busName    = "com.rewindos.Daemon"
	objectPath = dbus.ObjectPath("/com/rewindos/Daemon")
	ifaceName  = "com.rewindos.Daemon"
)

// Service implements the exported D-Bus methods. Every exported method's
// signature follows godbus's convention of a trailing *dbus.Error return.
type Service struct {
	db              *storage.DB
	pl              *pipeline.Pipeline
	startedAt       time.Time
	captureInterval uint32
	paused          atomic.Bool
	conn            *dbus.Conn
	screenshotsDir  string
	lastCapture     atomic.Int64
	embedder        pipeline.Embedder
}

// New builds a Service bound to db and pl. captureIntervalSeconds is
// reported read-only via the CaptureInterval property.
func New(db *storage.DB, pl *pipeline.Pipeline, captureIntervalSeconds uint32) *Service {
	return &Service{
		db:              db,
		pl:              pl,
		startedAt:       time.Now(),
		captureInterval: captureIntervalSeconds,
	}
}

// Serve connects to the session bus, requests busName, and exports the
// daemon's methods and properties. It blocks until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return rerrors.New(rerrors.IPC, "ipcservice.Serve", err)
	}
	s.conn = conn
	defer conn.Close()

	if err := conn.Export(s, objectPath, ifaceName); err != nil {
		return rerrors.New(rerrors.IPC, "ipcservice.Serve", err)
	}

	node := &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: ifaceName,
				Methods: []introspect.Method{
					{Name: "Pause"},
					{Name: "Resume"},
					{Name: "GetStatus", Args: []introspect.Arg{{Name: "status", Type: "s", Direction: "out"}}},
					{Name: "Search", Args: []introspect.Arg{
						{Name: "query", Type: "s", Direction: "in"},
						{Name: "limit", Type: "x", Direction: "in"},
						{Name: "offset", Type: "x", Direction: "in"},
						{Name: "result", Type: "s", Direction: "out"},
					}},
					{Name: "DeleteRange", Args: []introspect.Arg{
						{Name: "start_time", Type: "x", Direction: "in"},
						{Name: "end_time", Type: "x", Direction: "in"},
						{Name: "deleted", Type: "x", Direction: "out"},
					}},
					{Name: "ReportActiveWindow", Args: []introspect.Arg{
						{Name: "app_name", Type: "s", Direction: "in"},
						{Name: "window_title", Type: "s", Direction: "in"},
						{Name: "window_class", Type: "s", Direction: "in"},
					}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return rerrors.New(rerrors.IPC, "ipcservice.Serve", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return rerrors.New(rerrors.IPC, "ipcservice.Serve", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return rerrors.New(rerrors.IPC, "ipcservice.Serve", errNameTaken)
	}

	log.Info().Str("bus_name", busName).Msg("ipcservice: listening on session bus")
	<-ctx.Done()
	return nil
}

var errNameTaken = dbusNameTakenError{}

type dbusNameTakenError struct{}

func (dbusNameTakenError) Error() string { return "another instance already owns com.rewindos.Daemon" }

var (
	errAlreadyPaused  = alreadyPausedError{}
	errAlreadyResumed = alreadyResumedError{}
)

type alreadyPausedError struct{}

func (alreadyPausedError) Error() string { return "daemon is already paused" }

type alreadyResumedError struct{}

func (alreadyResumedError) Error() string { return "daemon is already capturing" }

// Pause stops the capture loop from submitting new frames. Fails if the
// daemon is already paused.
func (s *Service) Pause() *dbus.Error {
	if !s.paused.CompareAndSwap(false, true) {
		return dbus.MakeFailedError(errAlreadyPaused)
	}
	if s.db != nil {
		_ = s.db.SetDaemonState(context.Background(), "paused", "true")
	}
	return nil
}

// Resume restarts frame submission. Fails if the daemon is already
// capturing.
func (s *Service) Resume() *dbus.Error {
	if !s.paused.CompareAndSwap(true, false) {
		return dbus.MakeFailedError(errAlreadyResumed)
	}
	if s.db != nil {
		_ = s.db.SetDaemonState(context.Background(), "paused", "false")
	}
	return nil
}

// IsPaused reports whether capture is currently paused.
func (s *Service) IsPaused() bool { return s.paused.Load() }

// SetScreenshotsDir records where captured frames are written, so GetStatus
// can report disk usage for that volume. Optional: a zero value just omits
// DiskUsageBytes from the status payload.
func (s *Service) SetScreenshotsDir(path string) { s.screenshotsDir = path }

// SetEmbedder wires an embedding client into the service, making Search use
// HybridSearch instead of plain full-text search. Optional: a nil (or
// never-called) embedder just keeps every Search call FTS-only.
func (s *Service) SetEmbedder(e pipeline.Embedder) { s.embedder = e }

// RecordCapture notes the unix-second timestamp of the most recent
// successful capture, surfaced via GetStatus's LastCaptureTimestamp.
func (s *Service) RecordCapture(timestamp int64) { s.lastCapture.Store(timestamp) }

type statusPayload struct {
	IsCapturing             bool                `json:"is_capturing"`
	FramesCapturedToday     uint64              `json:"frames_captured_today"`
	FramesDeduplicatedToday uint64              `json:"frames_deduplicated_today"`
	FramesOcrPending        uint64              `json:"frames_ocr_pending"`
	QueueDepths             storage.QueueDepths `json:"queue_depths"`
	UptimeSeconds           uint64              `json:"uptime_seconds"`
	DiskUsageBytes          uint64              `json:"disk_usage_bytes"`
	CaptureInterval         uint32              `json:"capture_interval"`
	LastCaptureTimestamp    *int64              `json:"last_capture_timestamp,omitempty"`
}

// GetStatus returns a JSON-encoded statusPayload snapshot (snake_case keys).
func (s *Service) GetStatus() (string, *dbus.Error) {
	var metrics pipeline.Metrics
	var depths storage.QueueDepths
	if s.pl != nil {
		metrics = *s.pl.Metrics()
		depths = s.pl.QueueDepths()
	}

	var diskUsage uint64
	if s.screenshotsDir != "" {
		if usage, err := disk.Usage(s.screenshotsDir); err == nil {
			diskUsage = usage.Used
		} else {
			log.Debug().Err(err).Msg("ipcservice: disk usage unavailable")
		}
	}

	var lastCapture *int64
	if ts := s.lastCapture.Load(); ts != 0 {
		lastCapture = &ts
	}

	payload := statusPayload{
		IsCapturing:             !s.paused.Load(),
		FramesCapturedToday:     metrics.FramesCaptured.Load(),
		FramesDeduplicatedToday: metrics.FramesDeduplicated.Load(),
		FramesOcrPending:        metrics.FramesOcrPending.Load(),
		QueueDepths:             depths,
		UptimeSeconds:           uint64(time.Since(s.startedAt).Seconds()),
		DiskUsageBytes:          diskUsage,
		CaptureInterval:         s.captureInterval,
		LastCaptureTimestamp:    lastCapture,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// Search runs a search and returns a JSON-encoded SearchResponse. When an
// embedder is wired in, the query is embedded and fused with full-text
// results via HybridSearch; otherwise (or if embedding the query fails) it
// falls back to plain full-text search.
func (s *Service) Search(query string, limit, offset int64) (string, *dbus.Error) {
	ctx := context.Background()
	filters := storage.SearchFilters{Query: query, Limit: limit, Offset: offset}

	resp, err := s.hybridOrPlainSearch(ctx, filters)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

func (s *Service) hybridOrPlainSearch(ctx context.Context, filters storage.SearchFilters) (storage.SearchResponse, error) {
	if s.embedder == nil {
		return s.db.Search(ctx, filters)
	}

	vector, err := s.embedder.Embed(ctx, filters.Query)
	if err != nil {
		log.Warn().Err(err).Msg("ipcservice: query embedding failed, falling back to full-text search")
		return s.db.Search(ctx, filters)
	}
	return s.db.HybridSearch(ctx, filters, vector)
}

// DeleteRange removes every screenshot (and dependents) in [startTime,
// endTime], returning the number deleted.
func (s *Service) DeleteRange(startTime, endTime int64) (int64, *dbus.Error) {
	count, err := s.db.DeleteScreenshotsInRange(context.Background(), startTime, endTime, true)
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}
	return count, nil
}

// ReportActiveWindow accepts a focus change from an external
// window-tracking helper (e.g. a GNOME Shell extension) and logs it at debug
// level. The report is not stored or forwarded: window info for captures
// still comes from windowinfo's own polling providers.
func (s *Service) ReportActiveWindow(appName, windowTitle, windowClass string) *dbus.Error {
	log.Debug().Str("app", appName).Str("title", windowTitle).Str("class", windowClass).
		Msg("ipcservice: active window reported")
	return nil
}
