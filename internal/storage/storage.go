package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"rewindos/internal/rerrors"
)

// EmbeddingDims is the vector width stored in ocr_embeddings, matching the
// Ollama-compatible embedding models the daemon is configured against.
const EmbeddingDims = 768

// RRFConstant is the rank-offset used when fusing FTS and vector result
// rankings (original_source used the conventional k=60 from the RRF paper).
const RRFConstant = 60.0

// FusionLimit bounds how many candidates each side of a hybrid search
// contributes before fusion and scene-dedup collapse them down to Limit.
const FusionLimit = 300

var registerVecOnce sync.Once

// DB wraps the single SQLite connection pool used by the daemon. A single
// writer connection is enforced (SetMaxOpenConns(1)) because SQLite allows
// only one writer at a time even under WAL, mirroring the original's
// r2d2-style single-writer pool discipline.
type DB struct {
	conn *sql.DB
}

// Open opens (and migrates) the SQLite database at path, registering the
// sqlite-vec extension once per process. Grounded on
// liliang-cn-sqvect/pkg/core/store_init.go's open-pragma-migrate sequence,
// adapted from the modernc driver/DSN it used to mattn/go-sqlite3's, since
// sqlite-vec's cgo bindings require a CGO-capable driver.
func Open(ctx context.Context, path string) (*DB, error) {
	registerVecOnce.Do(func() {
		sqlitevec.Auto()
	})

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.Open", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}
	if err := db.applyPragmas(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a private, non-shared in-memory database, used by
// tests that need no durable state.
func OpenInMemory(ctx context.Context) (*DB, error) {
	registerVecOnce.Do(func() {
		sqlitevec.Auto()
	})

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, rerrors.New(rerrors.Database, "storage.OpenInMemory", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.applyPragmas(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -20000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p); err != nil {
			return rerrors.New(rerrors.Database, "storage.applyPragmas", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS screenshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	app_name TEXT,
	window_title TEXT,
	window_class TEXT,
	file_path TEXT NOT NULL,
	thumbnail_path TEXT,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	file_size_bytes INTEGER NOT NULL,
	perceptual_hash BLOB,
	ocr_status TEXT NOT NULL DEFAULT 'pending',
	embedding_status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_screenshots_timestamp ON screenshots(timestamp);
CREATE INDEX IF NOT EXISTS idx_screenshots_app_name ON screenshots(app_name);
CREATE INDEX IF NOT EXISTS idx_screenshots_ocr_status ON screenshots(ocr_status);
CREATE INDEX IF NOT EXISTS idx_screenshots_embedding_status ON screenshots(embedding_status);

CREATE TABLE IF NOT EXISTS ocr_text_content (
	screenshot_id INTEGER PRIMARY KEY REFERENCES screenshots(id) ON DELETE CASCADE,
	full_text TEXT NOT NULL,
	word_count INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS ocr_fts USING fts5(
	full_text,
	content='ocr_text_content',
	content_rowid='screenshot_id',
	tokenize='porter unicode61'
);

CREATE TABLE IF NOT EXISTS ocr_bounding_boxes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	screenshot_id INTEGER NOT NULL REFERENCES screenshots(id) ON DELETE CASCADE,
	text_content TEXT NOT NULL,
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	confidence REAL
);

CREATE INDEX IF NOT EXISTS idx_bounding_boxes_screenshot_id ON ocr_bounding_boxes(screenshot_id);

CREATE VIRTUAL TABLE IF NOT EXISTS ocr_embeddings USING vec0(
	screenshot_id INTEGER PRIMARY KEY,
	embedding FLOAT[768]
);

CREATE TABLE IF NOT EXISTS daemon_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summary_cache (
	date_key TEXT PRIMARY KEY,
	summary_text TEXT,
	app_breakdown TEXT NOT NULL,
	total_sessions INTEGER NOT NULL,
	time_range TEXT NOT NULL,
	model_name TEXT,
	generated_at TEXT NOT NULL DEFAULT (datetime('now')),
	screenshot_count INTEGER NOT NULL DEFAULT 0
);
`

// migrate creates every table, index, and virtual table the daemon needs if
// they don't already exist. There is deliberately no FTS/vec sync trigger
// here (unlike liliang-cn-sqvect's store_init.go): ocr_fts and
// ocr_embeddings are kept in lockstep explicitly inside InsertOCRText and
// InsertEmbedding, since the FTS row's rowid must equal the screenshot id
// for snippet() and delete-by-id to line up, which a generic AFTER INSERT
// trigger on ocr_text_content's own rowid would not guarantee.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		log.Error().Err(err).Msg("storage: schema migration failed")
		return rerrors.New(rerrors.Migration, "storage.migrate", err)
	}
	return nil
}
