package storage

import (
	"context"
	"unicode/utf8"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"rewindos/internal/imaging"
	"rewindos/internal/rerrors"
)

// sceneDedupThreshold is the Hamming-distance cutoff at or below which two
// search hits are considered the same on-screen "scene" and collapsed
// into one grouped result, mirroring imaging's duplicate-frame threshold
// so search results aren't dominated by a dozen near-identical frames of
// the same long-lived window.
const sceneDedupThreshold = 5

// InsertEmbedding stores a screenshot's semantic embedding vector in the
// sqlite-vec virtual table, then marks embedding_status done. Grounded on
// thebtf-engram's sqlitevec/client.go SerializeFloat32 + upsert pattern.
func (db *DB) InsertEmbedding(ctx context.Context, screenshotID int64, vector []float32) error {
	blob, err := sqlitevec.SerializeFloat32(vector)
	if err != nil {
		return rerrors.New(rerrors.Embedding, "storage.InsertEmbedding", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertEmbedding", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ocr_embeddings WHERE screenshot_id = ?`, screenshotID); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertEmbedding", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ocr_embeddings (screenshot_id, embedding) VALUES (?, ?)`, screenshotID, blob); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertEmbedding", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE screenshots SET embedding_status = 'done' WHERE id = ?`, screenshotID); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertEmbedding", err)
	}

	if err := tx.Commit(); err != nil {
		return rerrors.New(rerrors.Database, "storage.InsertEmbedding", err)
	}
	return nil
}

// ftsCandidates runs the FTS5 match and returns ranked (id, snippet) pairs,
// best match first, capped at limit rows.
func (db *DB) ftsCandidates(ctx context.Context, f SearchFilters, limit int64) ([]int64, map[int64]string, error) {
	query := `
		SELECT s.id, snippet(ocr_fts, 0, '<mark>', '</mark>', '...', 32)
		FROM ocr_fts
		JOIN screenshots s ON s.id = ocr_fts.rowid
		WHERE ocr_fts MATCH ?`
	args := []any{f.Query}

	if f.StartTime != nil {
		query += ` AND s.timestamp >= ?`
		args = append(args, *f.StartTime)
	}
	if f.EndTime != nil {
		query += ` AND s.timestamp <= ?`
		args = append(args, *f.EndTime)
	}
	if f.AppName != nil {
		query += ` AND s.app_name = ?`
		args = append(args, *f.AppName)
	}
	query += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, rerrors.New(rerrors.Database, "storage.ftsCandidates", err)
	}
	defer rows.Close()

	var ids []int64
	snippets := make(map[int64]string)
	for rows.Next() {
		var id int64
		var snippet string
		if err := rows.Scan(&id, &snippet); err != nil {
			return nil, nil, rerrors.New(rerrors.Database, "storage.ftsCandidates", err)
		}
		ids = append(ids, id)
		snippets[id] = snippet
	}
	return ids, snippets, rows.Err()
}

// vectorCandidates runs a sqlite-vec k-NN search and returns ranked ids,
// best (nearest) match first.
func (db *DB) vectorCandidates(ctx context.Context, queryVector []float32, limit int64) ([]int64, error) {
	blob, err := sqlitevec.SerializeFloat32(queryVector)
	if err != nil {
		return nil, rerrors.New(rerrors.Embedding, "storage.vectorCandidates", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT screenshot_id FROM ocr_embeddings
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, blob, limit)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.vectorCandidates", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.vectorCandidates", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Search runs a pure FTS5 full-text search, scene-deduplicates near-
// identical frames, and paginates the result.
func (db *DB) Search(ctx context.Context, f SearchFilters) (SearchResponse, error) {
	fetchLimit := f.Offset + f.Limit*3
	if fetchLimit > FusionLimit || fetchLimit <= 0 {
		fetchLimit = FusionLimit
	}

	ids, snippets, err := db.ftsCandidates(ctx, f, fetchLimit)
	if err != nil {
		return SearchResponse{}, err
	}

	results, err := db.hydrateResults(ctx, ids, snippets, nil)
	if err != nil {
		return SearchResponse{}, err
	}

	deduped, err := db.dedupeScenes(ctx, results)
	if err != nil {
		return SearchResponse{}, err
	}

	total := int64(len(deduped))
	page := paginate(deduped, f.Offset, f.Limit)
	return SearchResponse{Results: page, TotalCount: total, SearchMode: "fts"}, nil
}

// HybridSearch fuses FTS5 and sqlite-vec candidates with reciprocal rank
// fusion (k=RRFConstant), scene-deduplicates, then paginates.
func (db *DB) HybridSearch(ctx context.Context, f SearchFilters, queryVector []float32) (SearchResponse, error) {
	ftsIDs, snippets, err := db.ftsCandidates(ctx, f, FusionLimit)
	if err != nil {
		return SearchResponse{}, err
	}
	vecIDs, err := db.vectorCandidates(ctx, queryVector, FusionLimit)
	if err != nil {
		return SearchResponse{}, err
	}

	fused := fuseRRF(ftsIDs, vecIDs, RRFConstant)
	ordered := rankedIDs(fused)

	results, err := db.hydrateResults(ctx, ordered, snippets, fused)
	if err != nil {
		return SearchResponse{}, err
	}

	results, err = db.applyFilters(ctx, results, f)
	if err != nil {
		return SearchResponse{}, err
	}

	deduped, err := db.dedupeScenes(ctx, results)
	if err != nil {
		return SearchResponse{}, err
	}

	total := int64(len(deduped))
	page := paginate(deduped, f.Offset, f.Limit)
	return SearchResponse{Results: page, TotalCount: total, SearchMode: "hybrid"}, nil
}

// hydrateResults turns a ranked id list into SearchResult rows, using the
// FTS snippet when available and otherwise falling back to a 200-char
// prefix of the full OCR text (vector-only hits have no FTS snippet).
func (db *DB) hydrateResults(ctx context.Context, ids []int64, snippets map[int64]string, scores map[int64]float64) ([]SearchResult, error) {
	out := make([]SearchResult, 0, len(ids))
	for rank, id := range ids {
		s, err := db.GetScreenshot(ctx, id)
		if err != nil {
			continue // screenshot deleted since candidate selection
		}

		matched := snippets[id]
		if matched == "" {
			text, err := db.GetOCRText(ctx, id)
			if err == nil {
				matched = truncate(text, 200)
			}
		}

		rankScore := 1.0 / float64(rank+1)
		if scores != nil {
			rankScore = scores[id]
		}

		out = append(out, SearchResult{
			ID:            s.ID,
			Timestamp:     s.Timestamp,
			AppName:       s.AppName,
			WindowTitle:   s.WindowTitle,
			ThumbnailPath: s.ThumbnailPath,
			FilePath:      s.FilePath,
			MatchedText:   matched,
			Rank:          rankScore,
			GroupCount:    1,
		})
	}
	return out, nil
}

func (db *DB) applyFilters(ctx context.Context, results []SearchResult, f SearchFilters) ([]SearchResult, error) {
	if f.StartTime == nil && f.EndTime == nil && f.AppName == nil {
		return results, nil
	}
	out := results[:0]
	for _, r := range results {
		if f.StartTime != nil && r.Timestamp < *f.StartTime {
			continue
		}
		if f.EndTime != nil && r.Timestamp > *f.EndTime {
			continue
		}
		if f.AppName != nil && (r.AppName == nil || *r.AppName != *f.AppName) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// dedupeScenes greedily clusters results whose perceptual hashes are
// within sceneDedupThreshold of an already-kept representative, folding
// the near-duplicate's id into the representative's GroupScreenshotIDs.
// Results arrive already ranked best-first, so the first member of a
// cluster is always its representative.
func (db *DB) dedupeScenes(ctx context.Context, results []SearchResult) ([]SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	hashes, err := db.hashesForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var kept []SearchResult
	for _, r := range results {
		h := hashes[r.ID]
		merged := false
		if h != nil {
			for i := range kept {
				repHash := hashes[kept[i].ID]
				if repHash != nil && imaging.HammingDistance(h, repHash) <= sceneDedupThreshold {
					kept[i].GroupCount++
					kept[i].GroupScreenshotIDs = append(kept[i].GroupScreenshotIDs, r.ID)
					merged = true
					break
				}
			}
		}
		if !merged {
			r.GroupScreenshotIDs = []int64{r.ID}
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (db *DB) hashesForIDs(ctx context.Context, ids []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT id, perceptual_hash FROM screenshots WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.hashesForIDs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var h []byte
		if err := rows.Scan(&id, &h); err != nil {
			return nil, rerrors.New(rerrors.Database, "storage.hashesForIDs", err)
		}
		out[id] = h
	}
	return out, rows.Err()
}

// SearchCount reports how many screenshots match an FTS query, ignoring
// pagination, for result-count UI badges.
func (db *DB) SearchCount(ctx context.Context, query string) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ocr_fts WHERE ocr_fts MATCH ?`, query).Scan(&count)
	if err != nil {
		return 0, rerrors.New(rerrors.Database, "storage.SearchCount", err)
	}
	return count, nil
}

func paginate(results []SearchResult, offset, limit int64) []SearchResult {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(results)) {
		return []SearchResult{}
	}
	end := offset + limit
	if limit <= 0 || end > int64(len(results)) {
		end = int64(len(results))
	}
	return results[offset:end]
}

// truncate cuts s to at most n bytes and appends "..." when it cuts, backing
// off to the nearest preceding UTF-8 codepoint boundary so a multi-byte rune
// straddling the cut point isn't split into invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
