// Command rewindosd is the rewindos daemon: it captures the screen on a
// fixed cadence, OCRs and indexes each new frame, and serves search and
// control requests over D-Bus. Subcommand dispatch via flag.NewFlagSet is
// grounded on the teacher's cmd/ entrypoint shape, which parses a verb
// before building its dependency graph rather than reaching for a CLI
// framework the rest of the corpus doesn't otherwise use.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"rewindos/internal/capture"
	"rewindos/internal/config"
	"rewindos/internal/embedclient"
	"rewindos/internal/imaging"
	"rewindos/internal/ipcservice"
	"rewindos/internal/logging"
	"rewindos/internal/ocr"
	"rewindos/internal/pipeline"
	"rewindos/internal/storage"
	"rewindos/internal/windowinfo"
)

func main() {
	// Optional developer override file; a missing .env is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runDaemon(args)
	case "pause":
		err = callControl(args, "Pause")
	case "resume":
		err = callControl(args, "Resume")
	case "status":
		err = runStatus(args)
	case "backfill":
		err = runBackfill(args)
	case "recompress":
		err = runRecompress(args)
	default:
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "rewindosd:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: rewindosd <run|pause|resume|status|backfill|recompress> [flags]")
}

func loadConfig(fs *flag.FlagSet, args []string) (config.AppConfig, error) {
	configPath := fs.String("config", "", "path to config.toml (defaults to ~/.rewindos/config.toml)")
	if err := fs.Parse(args); err != nil {
		return config.AppConfig{}, err
	}
	if *configPath != "" {
		return config.LoadFrom(*configPath)
	}
	return config.Load()
}

// runDaemon is the long-lived "run" subcommand: it wires storage, the
// capture backend, the processing pipeline, and the D-Bus IPC service
// together, then blocks until SIGINT/SIGTERM.
func runDaemon(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logsDir, err := cfg.LogsDir()
	if err != nil {
		return err
	}
	logging.Init(logsDir+"/rewindosd.log", "info")
	log.Info().Msg("rewindosd: starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var embedder pipeline.Embedder
	if cfg.Semantic.Enabled {
		client := embedclient.New(cfg.Semantic.OllamaURL, cfg.Semantic.Model)
		if client.IsReachable(ctx) {
			embedder = client
		} else {
			log.Warn().Msg("rewindosd: embedding server unreachable, semantic search disabled")
		}
	}

	screenshotsDir, err := cfg.ScreenshotsDir()
	if err != nil {
		return err
	}
	pl := pipeline.New(db, embedder, pipeline.Config{
		ScreenshotsDir: screenshotsDir,
		OcrLang:        cfg.Ocr.TesseractLang,
	})
	pl.Start(ctx)
	defer pl.Stop()

	backend, err := selectCaptureBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	provider := windowinfo.Detect()

	svc := ipcservice.New(db, pl, cfg.Capture.IntervalSeconds)
	svc.SetScreenshotsDir(screenshotsDir)
	svc.SetEmbedder(embedder)
	go func() {
		if err := svc.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("rewindosd: ipc service exited")
		}
	}()

	go runRetentionLoop(ctx, db, cfg)

	interval := time.Duration(cfg.Capture.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("rewindosd: shutting down")
			return nil
		case <-ticker.C:
			if svc.IsPaused() {
				continue
			}
			captureOnce(ctx, backend, provider, pl, svc, cfg.Privacy)
		}
	}
}

func selectCaptureBackend(cfg config.AppConfig) (capture.Backend, error) {
	if native, err := capture.NewNativeBackend(); err == nil {
		return native, nil
	}
	base, err := cfg.BaseDir()
	if err != nil {
		return nil, err
	}
	return capture.NewPortalBackend(base + "/portal_restore_token")
}

func captureOnce(ctx context.Context, backend capture.Backend, provider windowinfo.Provider, pl *pipeline.Pipeline, svc *ipcservice.Service, privacy config.PrivacyConfig) {
	frame, err := backend.Capture(ctx)
	if err != nil {
		log.Error().Err(err).Msg("rewindosd: capture failed")
		return
	}
	svc.RecordCapture(frame.Timestamp)

	info, err := provider.ActiveWindow(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("rewindosd: window info unavailable")
	}

	if privacy.IsExcluded(info.AppName, info.WindowTitle, info.WindowClass) {
		log.Debug().Str("app", info.AppName).Str("class", info.WindowClass).
			Msg("rewindosd: skipping excluded window")
		return
	}

	bounds := frame.Image.Bounds()
	rgba := imaging.ToRGBA(frame.Image)

	var appName, title, class *string
	if info.AppName != "" {
		appName = &info.AppName
	}
	if info.WindowTitle != "" {
		title = &info.WindowTitle
	}
	if info.WindowClass != "" {
		class = &info.WindowClass
	}

	if err := pl.Submit(ctx, pipeline.RawFrame{
		Timestamp:   frame.Timestamp,
		TimestampMs: frame.TimestampMs,
		Pixels:      rgba,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		AppName:     appName,
		WindowTitle: title,
		WindowClass: class,
	}); err != nil {
		log.Error().Err(err).Msg("rewindosd: submit frame failed")
	}
}

// runRetentionLoop enforces the configured retention window hourly,
// deleting screenshots (and dependents, and files) older than the cutoff.
func runRetentionLoop(ctx context.Context, db *storage.DB, cfg config.AppConfig) {
	if cfg.Storage.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	prune := func() {
		cutoff := time.Now().Add(-time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour).Unix()
		count, err := db.DeleteScreenshotsBefore(ctx, cutoff, true)
		if err != nil {
			log.Error().Err(err).Msg("rewindosd: retention prune failed")
			return
		}
		if count > 0 {
			log.Info().Int64("deleted", count).Msg("rewindosd: retention prune complete")
		}
	}

	prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func dbusCall(method string) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return err
	}
	defer conn.Close()
	obj := conn.Object("com.rewindos.Daemon", "/com/rewindos/Daemon")
	return obj.Call("com.rewindos.Daemon."+method, 0).Err
}

func callControl(args []string, method string) error {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return dbusCall(method)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	obj := conn.Object("com.rewindos.Daemon", "/com/rewindos/Daemon")
	var status string
	if err := obj.Call("com.rewindos.Daemon.GetStatus", 0).Store(&status); err != nil {
		return err
	}
	fmt.Println(status)
	return nil
}

// runBackfill OCRs and indexes any screenshot left in "pending" state, and
// embeds any screenshot whose OCR text was never embedded, for recovering
// from a daemon crash mid-pipeline.
func runBackfill(args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	batchSize := fs.Int("batch-size", 50, "number of screenshots to process per pass")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logsDir, err := cfg.LogsDir()
	if err != nil {
		return err
	}
	logging.Init(logsDir+"/rewindosd-backfill.log", "info")
	ctx := context.Background()

	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var embedder pipeline.Embedder
	if cfg.Semantic.Enabled {
		client := embedclient.New(cfg.Semantic.OllamaURL, cfg.Semantic.Model)
		if client.IsReachable(ctx) {
			embedder = client
		} else {
			log.Warn().Msg("rewindosd: embedding server unreachable, skipping embed backfill")
		}
	}

	rows, err := db.BrowseScreenshots(ctx, nil, nil, nil, 100000, 0)
	if err != nil {
		return err
	}

	var ocred, embedded, failed int
	for _, s := range rows {
		if s.OcrStatus != storage.OcrPending {
			continue
		}
		if ocred >= *batchSize {
			break
		}
		ocred++

		out, err := ocr.Run(ctx, s.FilePath, cfg.Ocr.TesseractLang)
		if err != nil {
			log.Error().Err(err).Int64("id", s.ID).Msg("rewindosd: backfill ocr failed")
			_ = db.UpdateOCRStatus(ctx, s.ID, storage.OcrFailed)
			failed++
			continue
		}
		if err := db.InsertOCRText(ctx, s.ID, out.FullText, out.WordCount); err != nil {
			log.Error().Err(err).Int64("id", s.ID).Msg("rewindosd: backfill index ocr text failed")
			continue
		}
		boxes := make([]storage.NewBoundingBox, len(out.BoundingBoxes))
		for i, b := range out.BoundingBoxes {
			conf := b.Confidence
			boxes[i] = storage.NewBoundingBox{
				TextContent: b.Text, X: b.X, Y: b.Y, Width: b.Width, Height: b.Height, Confidence: &conf,
			}
		}
		if err := db.InsertBoundingBoxes(ctx, s.ID, boxes); err != nil {
			log.Warn().Err(err).Int64("id", s.ID).Msg("rewindosd: backfill index bounding boxes failed")
		}

		if embedder == nil || out.FullText == "" {
			continue
		}
		vec, err := embedder.Embed(ctx, out.FullText)
		if err != nil {
			log.Warn().Err(err).Int64("id", s.ID).Msg("rewindosd: backfill embed failed")
			_ = db.UpdateEmbeddingStatus(ctx, s.ID, "failed")
			continue
		}
		if err := db.InsertEmbedding(ctx, s.ID, vec); err != nil {
			log.Error().Err(err).Int64("id", s.ID).Msg("rewindosd: backfill store embedding failed")
			continue
		}
		embedded++
	}

	if embedder != nil {
		pending, err := db.GetPendingEmbeddings(ctx, *batchSize)
		if err != nil {
			return err
		}
		for _, id := range pending {
			text, err := db.GetOCRText(ctx, id)
			if err != nil || text == "" {
				continue
			}
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				log.Warn().Err(err).Int64("id", id).Msg("rewindosd: backfill embed failed")
				_ = db.UpdateEmbeddingStatus(ctx, id, "failed")
				continue
			}
			if err := db.InsertEmbedding(ctx, id, vec); err != nil {
				log.Error().Err(err).Int64("id", id).Msg("rewindosd: backfill store embedding failed")
				continue
			}
			embedded++
		}
	}

	log.Info().Int("ocred", ocred).Int("failed", failed).Int("embedded", embedded).
		Msg("rewindosd: backfill complete")
	return nil
}

// runRecompress re-encodes stored screenshots and their thumbnails (e.g.
// after a max-width or thumbnail-width setting change), overwriting each
// file in place and updating the screenshot's recorded dimensions and size.
func runRecompress(args []string) error {
	fs := flag.NewFlagSet("recompress", flag.ExitOnError)
	quality := fs.Int("quality", 80, "PNG encode quality (accepted for symmetry, currently unused)")
	maxWidth := fs.Int("max-width", 1920, "maximum screenshot width in pixels; wider images are downscaled")
	thumbWidth := fs.Int("thumb-width", 320, "thumbnail width in pixels")
	dryRun := fs.Bool("dry-run", false, "report what would change without writing any file or DB row")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	screenshotsDir, err := cfg.ScreenshotsDir()
	if err != nil {
		return err
	}

	rows, err := db.BrowseScreenshots(ctx, nil, nil, nil, 100000, 0)
	if err != nil {
		return err
	}

	var recompressed, skipped int
	for _, s := range rows {
		f, err := os.Open(s.FilePath)
		if err != nil {
			skipped++
			continue
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			log.Warn().Err(err).Int64("id", s.ID).Msg("rewindosd: recompress decode failed")
			skipped++
			continue
		}

		resized := imaging.CreateThumbnail(img, *maxWidth)
		bounds := resized.Bounds()

		if *dryRun {
			fmt.Printf("recompress: would rewrite id=%d %dx%d -> %dx%d\n",
				s.ID, img.Bounds().Dx(), img.Bounds().Dy(), bounds.Dx(), bounds.Dy())
			recompressed++
			continue
		}

		sizeBytes, err := imaging.SaveImage(resized, s.FilePath, *quality)
		if err != nil {
			log.Error().Err(err).Int64("id", s.ID).Msg("rewindosd: recompress save failed")
			skipped++
			continue
		}

		thumbPath := imaging.ThumbnailPath(screenshotsDir, s.TimestampMs)
		if s.ThumbnailPath != nil {
			thumbPath = *s.ThumbnailPath
		}
		thumb := imaging.CreateThumbnail(resized, *thumbWidth)
		if _, err := imaging.SaveImage(thumb, thumbPath, *quality); err != nil {
			log.Warn().Err(err).Int64("id", s.ID).Msg("rewindosd: recompress thumbnail save failed")
		}

		if err := db.UpdateImageMetadata(ctx, s.ID, bounds.Dx(), bounds.Dy(), sizeBytes); err != nil {
			log.Error().Err(err).Int64("id", s.ID).Msg("rewindosd: recompress update metadata failed")
			skipped++
			continue
		}
		recompressed++
	}

	fmt.Printf("recompress: rewrote %d screenshots, skipped %d\n", recompressed, skipped)
	return nil
}
