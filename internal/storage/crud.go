package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"rewindos/internal/rerrors"
)

// InsertScreenshot records a newly captured (and deduplicated) frame,
// returning its assigned row id. Grounded on db.rs's insert_screenshot.
func (db *DB) InsertScreenshot(ctx context.Context, s NewScreenshot) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO screenshots
			(timestamp, timestamp_ms, app_name, window_title, window_class,
			 file_path, thumbnail_path, width, height, file_size_bytes,
			 perceptual_hash, ocr_status, embedding_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 'pending')`,
		s.Timestamp, s.TimestampMs, s.AppName, s.WindowTitle, s.WindowClass,
		s.FilePath, s.ThumbnailPath, s.Width, s.Height, s.FileSizeBytes,
		s.PerceptualHash)
	if err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.InsertScreenshot", err)
	}
	return res.LastInsertId()
}

// InsertOCRText stores the recognized text for a screenshot and keeps the
// ocr_fts index in sync within the same transaction, then flips the
// screenshot's ocr_status to done. The FTS rowid is pinned to screenshot_id
// so delete-by-id and snippet() highlighting line up without a join table.
func (db *DB) InsertOCRText(ctx context.Context, screenshotID int64, fullText string, wordCount int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertOCRText", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ocr_text_content (screenshot_id, full_text, word_count)
		VALUES (?, ?, ?)
		ON CONFLICT(screenshot_id) DO UPDATE SET full_text = excluded.full_text, word_count = excluded.word_count`,
		screenshotID, fullText, wordCount); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertOCRText", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ocr_fts (rowid, full_text) VALUES (?, ?)`,
		screenshotID, fullText); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertOCRText", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE screenshots SET ocr_status = 'done' WHERE id = ?`, screenshotID); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertOCRText", err)
	}

	if err := tx.Commit(); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertOCRText", err)
	}
	return nil
}

// InsertBoundingBoxes batch-inserts the recognized words for a screenshot
// inside one transaction, mirroring thebtf-engram's sqlitevec/client.go
// prepare-once-exec-many idiom.
func (db *DB) InsertBoundingBoxes(ctx context.Context, screenshotID int64, boxes []NewBoundingBox) error {
	if len(boxes) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertBoundingBoxes", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ocr_bounding_boxes
			(screenshot_id, text_content, x, y, width, height, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertBoundingBoxes", err)
	}
	defer stmt.Close()

	for _, b := range boxes {
		if _, err := stmt.ExecContext(ctx, screenshotID, b.TextContent, b.X, b.Y, b.Width, b.Height, b.Confidence); err != nil {
			return rerrors.New(rerrors.Database, "storage.InsertBoundingBoxes", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertBoundingBoxes", err)
	}
	return nil
}

// UpdateOCRStatus transitions a screenshot's ocr_status (e.g. to "failed"
// after a tesseract timeout, so the pipeline doesn't retry it forever).
func (db *DB) UpdateOCRStatus(ctx context.Context, screenshotID int64, status OcrStatus) error {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE screenshots SET ocr_status = ? WHERE id = ?`, string(status), screenshotID); err != nil {
		return rerrors.New(rerrors.Database, "storage.UpdateOCRStatus", err)
	}
	return nil
}

// UpdateEmbeddingStatus transitions a screenshot's embedding_status.
func (db *DB) UpdateEmbeddingStatus(ctx context.Context, screenshotID int64, status string) error {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE screenshots SET embedding_status = ? WHERE id = ?`, status, screenshotID); err != nil {
		return rerrors.New(rerrors.Database, "storage.UpdateEmbeddingStatus", err)
	}
	return nil
}

// UpdateImageMetadata overwrites a screenshot's recorded width, height and
// file_size_bytes, used after recompress re-encodes the file on disk.
func (db *DB) UpdateImageMetadata(ctx context.Context, screenshotID int64, width, height int, fileSizeBytes int64) error {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE screenshots SET width = ?, height = ?, file_size_bytes = ? WHERE id = ?`,
		width, height, fileSizeBytes, screenshotID); err != nil {
		return rerrors.New(rerrors.Database, "storage.UpdateImageMetadata", err)
	}
	return nil
}

func scanScreenshot(row interface {
	Scan(dest ...any) error
}) (Screenshot, error) {
	var s Screenshot
	var ocrStatus string
	err := row.Scan(&s.ID, &s.Timestamp, &s.TimestampMs, &s.AppName, &s.WindowTitle,
		&s.WindowClass, &s.FilePath, &s.ThumbnailPath, &s.Width, &s.Height,
		&s.FileSizeBytes, &s.PerceptualHash, &ocrStatus, &s.EmbeddingStatus, &s.CreatedAt)
	s.OcrStatus = ParseOcrStatus(ocrStatus)
	return s, err
}

const screenshotColumns = `id, timestamp, timestamp_ms, app_name, window_title, window_class,
	file_path, thumbnail_path, width, height, file_size_bytes, perceptual_hash,
	ocr_status, embedding_status, created_at`

// GetScreenshot fetches a single screenshot by id.
func (db *DB) GetScreenshot(ctx context.Context, id int64) (Screenshot, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+screenshotColumns+` FROM screenshots WHERE id = ?`, id)
	s, err := scanScreenshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Screenshot{}, rerrors.New(rerrors.Database, "storage.GetScreenshot", err)
	}
	if err != nil {
		return Screenshot{}, rerrors.New(rerrors.Database, "storage.GetScreenshot", err)
	}
	return s, nil
}

// BrowseScreenshots lists screenshots in a timeline window, most recent
// first, for the timeline/history UI surface.
func (db *DB) BrowseScreenshots(ctx context.Context, startTime, endTime *int64, appName *string, limit, offset int64) ([]Screenshot, error) {
	query := `SELECT ` + screenshotColumns + ` FROM screenshots WHERE 1=1`
	var args []any
	if startTime != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *startTime)
	}
	if endTime != nil {
		query += ` AND timestamp <= ?`
		args = append(args, *endTime)
	}
	if appName != nil {
		query += ` AND app_name = ?`
		args = append(args, *appName)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.BrowseScreenshots", err)
	}
	defer rows.Close()

	var out []Screenshot
	for rows.Next() {
		s, err := scanScreenshot(rows)
		if err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.BrowseScreenshots", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetRecentHashes returns the perceptual hashes of the most recently
// captured screenshots, for in-pipeline duplicate-frame detection.
func (db *DB) GetRecentHashes(ctx context.Context, limit int) ([][]byte, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT perceptual_hash FROM screenshots WHERE perceptual_hash IS NOT NULL ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetRecentHashes", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetRecentHashes", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteScreenshotsInRange removes every screenshot (and its dependent OCR
// text, bounding boxes, FTS row, and embedding) whose timestamp falls in
// [startTime, endTime], returning the count removed. Deletes are explicit
// and transactional rather than relying on ON DELETE CASCADE alone: the
// original's delete_screenshots_before only touched ocr_fts and
// screenshots, leaving ocr_text_content/ocr_bounding_boxes orphaned unless
// an undocumented cascade existed elsewhere, so this implementation is
// intentionally the stronger, explicit variant. File deletion on disk is
// best-effort: a missing file never fails the database transaction.
func (db *DB) DeleteScreenshotsInRange(ctx context.Context, startTime, endTime int64, deleteFiles bool) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}
	defer tx.Rollback()

	var paths []string
	if deleteFiles {
		rows, err := tx.QueryContext(ctx,
			`SELECT file_path FROM screenshots WHERE timestamp >= ? AND timestamp <= ?`, startTime, endTime)
		if err != nil {
			return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
			}
			paths = append(paths, p)
		}
		rows.Close()
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ocr_bounding_boxes WHERE screenshot_id IN
			(SELECT id FROM screenshots WHERE timestamp >= ? AND timestamp <= ?)`,
		startTime, endTime); err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ocr_fts WHERE rowid IN
			(SELECT id FROM screenshots WHERE timestamp >= ? AND timestamp <= ?)`,
		startTime, endTime); err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ocr_text_content WHERE screenshot_id IN
			(SELECT id FROM screenshots WHERE timestamp >= ? AND timestamp <= ?)`,
		startTime, endTime); err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM ocr_embeddings WHERE screenshot_id IN
			(SELECT id FROM screenshots WHERE timestamp >= ? AND timestamp <= ?)`,
		startTime, endTime); err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM screenshots WHERE timestamp >= ? AND timestamp <= ?`, startTime, endTime)
	if err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.DeleteScreenshotsInRange", err)
	}

	if deleteFiles {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}

	return count, nil
}

// DeleteScreenshotsBefore is a convenience wrapper over
// DeleteScreenshotsInRange for retention-policy pruning, where everything
// older than cutoff is subject to removal.
func (db *DB) DeleteScreenshotsBefore(ctx context.Context, cutoff int64, deleteFiles bool) (int64, error) {
	return db.DeleteScreenshotsInRange(ctx, 0, cutoff-1, deleteFiles)
}

// GetOCRText returns the full recognized text for a screenshot, if any.
func (db *DB) GetOCRText(ctx context.Context, screenshotID int64) (string, error) {
	var text string
	err := db.conn.QueryRowContext(ctx,
		`SELECT full_text FROM ocr_text_content WHERE screenshot_id = ?`, screenshotID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", rerrors.New(rerrors.Database, "storage.GetOCRText", err)
	}
	return text, nil
}

// GetBoundingBoxes returns every recognized word's location for a screenshot.
func (db *DB) GetBoundingBoxes(ctx context.Context, screenshotID int64) ([]BoundingBox, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, screenshot_id, text_content, x, y, width, height, confidence
		FROM ocr_bounding_boxes WHERE screenshot_id = ? ORDER BY id`, screenshotID)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetBoundingBoxes", err)
	}
	defer rows.Close()

	var out []BoundingBox
	for rows.Next() {
		var b BoundingBox
		if err := rows.Scan(&b.ID, &b.ScreenshotID, &b.TextContent, &b.X, &b.Y, &b.Width, &b.Height, &b.Confidence); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetBoundingBoxes", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetPendingEmbeddings returns the ids of screenshots awaiting embedding.
func (db *DB) GetPendingEmbeddings(ctx context.Context, limit int) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.id FROM screenshots s
		JOIN ocr_text_content t ON t.screenshot_id = s.id
		WHERE s.embedding_status = 'pending'
		ORDER BY s.timestamp ASC LIMIT ?`, limit)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.GetPendingEmbeddings", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.GetPendingEmbeddings", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetDaemonState reads a single key from the daemon_state key/value table.
func (db *DB) GetDaemonState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM daemon_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, rerrors.New(rerrors.Database, "storage.GetDaemonState", err)
	}
	return value, true, nil
}

// SetDaemonState upserts a key into the daemon_state table.
func (db *DB) SetDaemonState(ctx context.Context, key, value string) error {
	if _, err := db.conn.ExecContext(ctx, `
		INSERT INTO daemon_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return rerrors.New(rerrors.Database, "storage.SetDaemonState", err)
	}
	return nil
}
