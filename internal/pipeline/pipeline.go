// Package pipeline runs the five-stage capture-to-searchable pipeline:
// capture -> hash/dedup+encode -> OCR -> index -> embed. Grounded on
// original_source/crates/rewindos-daemon/src/pipeline.rs for stage shape
// and bounded-channel backpressure, and on the atomic-counter metrics
// idiom from other_examples' thebtf-engram worker/sdk processor.go
// (CircuitBreaker-style atomic state) and internal/warpp/runner.go's
// bounded-worker-pool-with-context-cancellation shutdown pattern.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"rewindos/internal/imaging"
	"rewindos/internal/ocr"
	"rewindos/internal/rerrors"
	"rewindos/internal/storage"
)

// ShutdownTimeout bounds how long Stop waits for in-flight frames to drain
// before abandoning the wait and returning anyway.
const ShutdownTimeout = 30 * time.Second

// Embedder produces a semantic embedding vector for OCR'd text. Satisfied
// by internal/embedclient.Client; kept as a narrow interface here so the
// pipeline doesn't import the HTTP client concern directly.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RawFrame is a single captured frame plus its window metadata, handed to
// the pipeline by internal/capture before any processing happens.
type RawFrame struct {
	Timestamp   int64
	TimestampMs int64
	Pixels      []byte
	Width       int
	Height      int
	AppName     *string
	WindowTitle *string
	WindowClass *string
}

// Metrics exposes atomic, concurrency-safe counters for the IPC
// GetStatus call, mirroring the atomic-counter idiom the pack uses for
// circuit-breaker and worker-pool state instead of a mutex-guarded struct.
type Metrics struct {
	FramesCaptured     atomic.Uint64
	FramesDeduplicated atomic.Uint64
	FramesOcrPending   atomic.Uint64
	FramesIndexed      atomic.Uint64
	FramesEmbedded     atomic.Uint64
	FramesFailed       atomic.Uint64
}

func (m *Metrics) QueueDepths(captureQ, hashQ, ocrQ, indexQ int) storage.QueueDepths {
	return storage.QueueDepths{
		Capture: uint64(captureQ),
		Hash:    uint64(hashQ),
		Ocr:     uint64(ocrQ),
		Index:   uint64(indexQ),
	}
}

// Config parameterizes a Pipeline's stage behavior.
type Config struct {
	ScreenshotsDir   string
	RecentHashWindow int
	DedupThreshold   int
	OcrLang          string
	ChannelBuffer    int
	// OcrConcurrency bounds how many tesseract subprocesses may run at
	// once. Tesseract is CPU-bound, so unbounded concurrency just causes
	// thrashing; defaults to min(NumCPU, 4).
	OcrConcurrency int
}

// Pipeline wires the five stages together over bounded channels.
type Pipeline struct {
	db       *storage.DB
	embedder Embedder
	cfg      Config
	hasher   *imaging.Hasher
	metrics  *Metrics

	captureCh chan RawFrame
	ocrCh     chan int64
	embedCh   chan embedJob

	ocrSem *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type embedJob struct {
	screenshotID int64
	text         string
}

// New builds a Pipeline. Stages are not started until Start is called.
func New(db *storage.DB, embedder Embedder, cfg Config) *Pipeline {
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 32
	}
	if cfg.RecentHashWindow <= 0 {
		cfg.RecentHashWindow = 50
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 5
	}
	if cfg.OcrConcurrency <= 0 {
		cfg.OcrConcurrency = runtime.NumCPU()
		if cfg.OcrConcurrency > 4 {
			cfg.OcrConcurrency = 4
		}
	}
	return &Pipeline{
		db:        db,
		embedder:  embedder,
		cfg:       cfg,
		hasher:    imaging.NewHasher(),
		metrics:   &Metrics{},
		captureCh: make(chan RawFrame, cfg.ChannelBuffer),
		ocrCh:     make(chan int64, cfg.ChannelBuffer),
		embedCh:   make(chan embedJob, cfg.ChannelBuffer),
		ocrSem:    semaphore.NewWeighted(int64(cfg.OcrConcurrency)),
	}
}

// Metrics returns the pipeline's live counters.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// QueueDepths reports each stage's current channel backlog.
func (p *Pipeline) QueueDepths() storage.QueueDepths {
	return p.metrics.QueueDepths(len(p.captureCh), 0, len(p.ocrCh), len(p.embedCh))
}

// Start launches the hash/dedup+encode, OCR, and embed stage goroutines.
// The derived context's cancellation (via Stop) unwinds every stage.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(3)
	go p.runHashEncodeStage(runCtx)
	go p.runOCRStage(runCtx)
	go p.runEmbedStage(runCtx)
}

// Submit enqueues a freshly captured frame for hashing/dedup/encode. It
// blocks if the capture channel is full, providing natural backpressure
// to the daemon's capture loop rather than silently dropping frames.
func (p *Pipeline) Submit(ctx context.Context, frame RawFrame) error {
	p.metrics.FramesCaptured.Add(1)
	select {
	case p.captureCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the intake channel and waits up to ShutdownTimeout for
// every in-flight frame to drain through OCR, indexing, and embedding.
func (p *Pipeline) Stop() {
	close(p.captureCh)
	if p.cancel != nil {
		defer p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		log.Warn().Msg("pipeline: shutdown timed out waiting for in-flight frames to drain")
	}
}

// runHashEncodeStage dedups each incoming frame against the most recent
// hashes on disk, and for survivors, encodes + persists the image and
// inserts the screenshot row before handing the id off to OCR.
func (p *Pipeline) runHashEncodeStage(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.ocrCh)

	for frame := range p.captureCh {
		img, err := imaging.ImageFromRGBA(frame.Pixels, frame.Width, frame.Height)
		if err != nil {
			log.Error().Err(err).Msg("pipeline: decode frame failed")
			p.metrics.FramesFailed.Add(1)
			continue
		}

		hash := p.hasher.HashImage(img)
		recent, err := p.db.GetRecentHashes(ctx, p.cfg.RecentHashWindow)
		if err != nil {
			log.Error().Err(err).Msg("pipeline: fetch recent hashes failed")
		}
		if imaging.IsDuplicate(hash, recent, p.cfg.DedupThreshold) {
			p.metrics.FramesDeduplicated.Add(1)
			continue
		}

		path := imaging.ScreenshotPath(p.cfg.ScreenshotsDir, frame.TimestampMs)
		size, err := imaging.SaveImage(img, path, 0)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("pipeline: save image failed")
			p.metrics.FramesFailed.Add(1)
			continue
		}

		thumbPath := imaging.ThumbnailPath(p.cfg.ScreenshotsDir, frame.TimestampMs)
		thumb := imaging.CreateThumbnail(img, 320)
		if _, err := imaging.SaveImage(thumb, thumbPath, 0); err != nil {
			log.Warn().Err(err).Msg("pipeline: save thumbnail failed")
		}

		id, err := p.db.InsertScreenshot(ctx, storage.NewScreenshot{
			Timestamp:      frame.Timestamp,
			TimestampMs:    frame.TimestampMs,
			AppName:        frame.AppName,
			WindowTitle:    frame.WindowTitle,
			WindowClass:    frame.WindowClass,
			FilePath:       path,
			ThumbnailPath:  &thumbPath,
			Width:          frame.Width,
			Height:         frame.Height,
			FileSizeBytes:  size,
			PerceptualHash: hash,
		})
		if err != nil {
			log.Error().Err(err).Msg("pipeline: insert screenshot failed")
			p.metrics.FramesFailed.Add(1)
			continue
		}

		p.metrics.FramesOcrPending.Add(1)
		select {
		case p.ocrCh <- id:
		case <-ctx.Done():
			return
		}
	}
}

// runOCRStage pulls newly persisted screenshot ids and fans each one out to
// a bounded pool of tesseract subprocesses (bounded by ocrSem), so a burst
// of new frames doesn't spawn one tesseract process per frame at once.
func (p *Pipeline) runOCRStage(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.embedCh)

	var workers sync.WaitGroup
	for id := range p.ocrCh {
		if err := p.ocrSem.Acquire(ctx, 1); err != nil {
			return
		}
		workers.Add(1)
		go func(id int64) {
			defer workers.Done()
			defer p.ocrSem.Release(1)
			p.ocrOne(ctx, id)
		}(id)
	}
	workers.Wait()
}

// ocrOne runs tesseract against a single stored screenshot and indexes the
// recognized text and word boxes, forwarding to the embed stage on success.
func (p *Pipeline) ocrOne(ctx context.Context, id int64) {
	p.metrics.FramesOcrPending.Add(^uint64(0)) // decrement
	s, err := p.db.GetScreenshot(ctx, id)
	if err != nil {
		log.Error().Err(err).Int64("id", id).Msg("pipeline: get screenshot for ocr failed")
		return
	}

	out, err := ocr.Run(ctx, s.FilePath, p.cfg.OcrLang)
	if err != nil {
		if rerrors.Is(err, rerrors.OCR) {
			_ = p.db.UpdateOCRStatus(ctx, id, storage.OcrFailed)
		}
		log.Error().Err(err).Int64("id", id).Msg("pipeline: ocr failed")
		p.metrics.FramesFailed.Add(1)
		return
	}

	if err := p.db.InsertOCRText(ctx, id, out.FullText, out.WordCount); err != nil {
		log.Error().Err(err).Int64("id", id).Msg("pipeline: index ocr text failed")
		return
	}

	boxes := make([]storage.NewBoundingBox, len(out.BoundingBoxes))
	for i, b := range out.BoundingBoxes {
		conf := b.Confidence
		boxes[i] = storage.NewBoundingBox{
			TextContent: b.Text, X: b.X, Y: b.Y, Width: b.Width, Height: b.Height, Confidence: &conf,
		}
	}
	if err := p.db.InsertBoundingBoxes(ctx, id, boxes); err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("pipeline: index bounding boxes failed")
	}

	p.metrics.FramesIndexed.Add(1)
	if out.FullText == "" {
		return
	}
	select {
	case p.embedCh <- embedJob{screenshotID: id, text: out.FullText}:
	case <-ctx.Done():
	}
}

// runEmbedStage computes and stores a semantic embedding for each OCR'd
// screenshot's text, when an embedding backend is configured.
func (p *Pipeline) runEmbedStage(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.embedCh {
		if p.embedder == nil {
			continue
		}
		vec, err := p.embedder.Embed(ctx, job.text)
		if err != nil {
			log.Warn().Err(err).Int64("id", job.screenshotID).Msg("pipeline: embed failed")
			_ = p.db.UpdateEmbeddingStatus(ctx, job.screenshotID, "failed")
			continue
		}
		if err := p.db.InsertEmbedding(ctx, job.screenshotID, vec); err != nil {
			log.Error().Err(err).Int64("id", job.screenshotID).Msg("pipeline: store embedding failed")
			continue
		}
		p.metrics.FramesEmbedded.Add(1)
	}
}
