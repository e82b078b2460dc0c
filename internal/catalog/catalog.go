package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/pkg/types"
)

// ErrNotFound is returned when a row or the recording metadata is absent.
var ErrNotFound = errors.New("catalog: not found")

// ErrReadOnly is returned by write methods of a catalog opened with OpenReadOnly.
var ErrReadOnly = errors.New("catalog: opened read-only")

// Catalog is the persisted, queryable projection of a recording's segments.
type Catalog interface {
	// ApplyUpdates upserts every request by path inside one transaction,
	// assigning each the next update id. The returned segments carry the
	// assigned ids in request order.
	ApplyUpdates(ctx context.Context, reqs []types.CatalogUpdateRequest) ([]types.Segment, error)

	// Get returns the row for path.
	Get(ctx context.Context, path string) (types.Segment, error)

	// All returns every row ordered by start.
	All(ctx context.Context) ([]types.Segment, error)

	// FindRange returns the rows overlapping [start, end] ordered by start.
	FindRange(ctx context.Context, start, end int64) ([]types.Segment, error)

	// Delete removes the rows for paths.
	Delete(ctx context.Context, paths ...string) error

	// SegmentSpans returns (start_id, end_id) of every row ordered by start_id.
	SegmentSpans(ctx context.Context) ([]Span, error)

	// LastUpdateID returns the most recently assigned update id.
	LastUpdateID(ctx context.Context) (int64, error)

	// MaxEndID returns the largest end_id; ok is false for an empty catalog.
	MaxEndID(ctx context.Context) (id int64, ok bool, err error)

	// LoadRecording returns the recording metadata or ErrNotFound.
	LoadRecording(ctx context.Context) (RecordingMeta, error)

	// SaveRecording stores the recording metadata, replacing any previous.
	SaveRecording(ctx context.Context, meta RecordingMeta) error

	// Close closes the catalog database connections.
	Close() error
}

// Span is the sample-id range of one segment.
type Span struct {
	Path    string `json:"path"`
	Start   int64  `json:"start"`
	StartID int64  `json:"start_id"`
	EndID   int64  `json:"end_id"`
}

// RecordingMeta identifies the recording a catalog belongs to.
type RecordingMeta struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Start          int64     `json:"start"`
	TimezoneOffset int32     `json:"timezone_offset"`
	CreatedAt      time.Time `json:"created_at"`
}

// SQLiteCatalog implements Catalog using SQLite in WAL mode with one writer
// connection and a pool of query-only readers.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	upsertStmt *sql.Stmt
	readOnly   bool
}

// NewCatalog opens or creates the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}

	// The schema must exist before query-only readers attach.
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_query_only=true")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	upsertStmt, err := db.Prepare(`
		INSERT INTO segments (
			path, day, start_ns, end_ns, timezone_offset, sample_rate,
			shape, axis, start_id, end_id, update_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			day = excluded.day,
			start_ns = excluded.start_ns,
			end_ns = excluded.end_ns,
			timezone_offset = excluded.timezone_offset,
			sample_rate = excluded.sample_rate,
			shape = excluded.shape,
			axis = excluded.axis,
			start_id = excluded.start_id,
			end_id = excluded.end_id,
			update_id = excluded.update_id`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare upsert statement: %w", err)
	}
	c.upsertStmt = upsertStmt

	return c, nil
}

// OpenReadOnly opens an existing catalog for queries only. It never creates
// the file, runs no schema statements and rejects every write.
func OpenReadOnly(dbPath string) (*SQLiteCatalog, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	readDB, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_query_only=true&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	var version int
	if err := readDB.QueryRow(`SELECT value FROM catalog_meta WHERE key = ?`, metaSchemaVersion).Scan(&version); err != nil {
		readDB.Close()
		return nil, fmt.Errorf("catalog: failed to read schema version: %w", err)
	}
	if version > SchemaVersion {
		readDB.Close()
		return nil, fmt.Errorf("catalog: schema version %d is newer than supported %d", version, SchemaVersion)
	}
	return &SQLiteCatalog{readDB: readDB, dbPath: dbPath, readOnly: true}, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	var version int
	if err := c.db.QueryRow(`SELECT value FROM catalog_meta WHERE key = ?`, metaSchemaVersion).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("catalog schema version %d is newer than supported %d", version, SchemaVersion)
	}
	return nil
}

// Path returns the database file path.
func (c *SQLiteCatalog) Path() string { return c.dbPath }

// ApplyUpdates upserts reqs in one transaction.
func (c *SQLiteCatalog) ApplyUpdates(ctx context.Context, reqs []types.CatalogUpdateRequest) ([]types.Segment, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if c.readOnly {
		return nil, ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, txError("begin transaction", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, metaLastUpdateID).Scan(&last); err != nil {
		return nil, txError("read update id", err)
	}

	stmt := tx.StmtContext(ctx, c.upsertStmt)
	out := make([]types.Segment, 0, len(reqs))
	for _, req := range reqs {
		last++
		seg := req.Segment()
		seg.UpdateID = last
		shape, err := json.Marshal(seg.Shape)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to encode shape: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			seg.Path, seg.Day, seg.Start, seg.End, seg.TimezoneOffset, nullRate(seg.SampleRate),
			string(shape), seg.Axis, seg.StartID, seg.EndID, seg.UpdateID,
		); err != nil {
			return nil, txError("upsert "+seg.Path, err)
		}
		out = append(out, seg)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE catalog_meta SET value = ? WHERE key = ?`, last, metaLastUpdateID); err != nil {
		return nil, txError("store update id", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, txError("commit transaction", err)
	}
	return out, nil
}

func txError(op string, err error) error {
	return apperrors.NewCatalogError(apperrors.CodeTransactionFailed, "catalog: failed to "+op, err)
}

const selectSegmentSQL = `
	SELECT path, day, start_ns, end_ns, timezone_offset, sample_rate,
		shape, axis, start_id, end_id, update_id
	FROM segments`

// Get returns the row for path.
func (c *SQLiteCatalog) Get(ctx context.Context, path string) (types.Segment, error) {
	row := c.readDB.QueryRowContext(ctx, selectSegmentSQL+` WHERE path = ?`, path)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Segment{}, fmt.Errorf("%w: segment %s", ErrNotFound, path)
	}
	return seg, err
}

// All returns every row ordered by start.
func (c *SQLiteCatalog) All(ctx context.Context) ([]types.Segment, error) {
	return c.query(ctx, selectSegmentSQL+` ORDER BY start_ns, start_id`)
}

// FindRange returns the rows overlapping [start, end].
func (c *SQLiteCatalog) FindRange(ctx context.Context, start, end int64) ([]types.Segment, error) {
	return c.query(ctx, selectSegmentSQL+` WHERE start_ns <= ? AND end_ns >= ? ORDER BY start_ns, start_id`, end, start)
}

func (c *SQLiteCatalog) query(ctx context.Context, query string, args ...interface{}) ([]types.Segment, error) {
	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query segments: %w", err)
	}
	defer rows.Close()

	var out []types.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating segments: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSegment(s scanner) (types.Segment, error) {
	var seg types.Segment
	var rate sql.NullFloat64
	var shape string
	if err := s.Scan(
		&seg.Path, &seg.Day, &seg.Start, &seg.End, &seg.TimezoneOffset, &rate,
		&shape, &seg.Axis, &seg.StartID, &seg.EndID, &seg.UpdateID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seg, err
		}
		return seg, fmt.Errorf("catalog: failed to scan segment: %w", err)
	}
	seg.SampleRate = math.NaN()
	if rate.Valid {
		seg.SampleRate = rate.Float64
	}
	if err := json.Unmarshal([]byte(shape), &seg.Shape); err != nil {
		return seg, fmt.Errorf("catalog: invalid shape %q for %s: %w", shape, seg.Path, err)
	}
	return seg, nil
}

func nullRate(rate float64) sql.NullFloat64 {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: rate, Valid: true}
}

// Delete removes the rows for paths in one transaction.
func (c *SQLiteCatalog) Delete(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if c.readOnly {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return txError("begin transaction", err)
	}
	defer tx.Rollback()

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE path = ?`, p); err != nil {
			return txError("delete "+p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return txError("commit transaction", err)
	}
	return nil
}

// SegmentSpans returns the sample-id range of every row ordered by start_id.
func (c *SQLiteCatalog) SegmentSpans(ctx context.Context) ([]Span, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT path, start_ns, start_id, end_id FROM segments ORDER BY start_id, start_ns`)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		var s Span
		if err := rows.Scan(&s.Path, &s.Start, &s.StartID, &s.EndID); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan span: %w", err)
		}
		spans = append(spans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating spans: %w", err)
	}
	return spans, nil
}

// LastUpdateID returns the most recently assigned update id.
func (c *SQLiteCatalog) LastUpdateID(ctx context.Context) (int64, error) {
	var id int64
	err := c.readDB.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, metaLastUpdateID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to read update id: %w", err)
	}
	return id, nil
}

// MaxEndID returns the largest end_id in the catalog.
func (c *SQLiteCatalog) MaxEndID(ctx context.Context) (int64, bool, error) {
	var id sql.NullInt64
	if err := c.readDB.QueryRowContext(ctx, `SELECT MAX(end_id) FROM segments`).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("catalog: failed to read max end id: %w", err)
	}
	return id.Int64, id.Valid, nil
}

// LoadRecording returns the recording metadata.
func (c *SQLiteCatalog) LoadRecording(ctx context.Context) (RecordingMeta, error) {
	var meta RecordingMeta
	var createdAt int64
	err := c.readDB.QueryRowContext(ctx,
		`SELECT recording_id, name, start_ns, timezone_offset, created_at FROM recording WHERE singleton = 1`,
	).Scan(&meta.ID, &meta.Name, &meta.Start, &meta.TimezoneOffset, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RecordingMeta{}, fmt.Errorf("%w: recording metadata", ErrNotFound)
	}
	if err != nil {
		return RecordingMeta{}, fmt.Errorf("catalog: failed to read recording: %w", err)
	}
	meta.CreatedAt = time.Unix(createdAt, 0).UTC()
	return meta, nil
}

// SaveRecording stores the recording metadata.
func (c *SQLiteCatalog) SaveRecording(ctx context.Context, meta RecordingMeta) error {
	if c.readOnly {
		return ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO recording (singleton, recording_id, name, start_ns, timezone_offset, created_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			recording_id = excluded.recording_id,
			name = excluded.name,
			start_ns = excluded.start_ns,
			timezone_offset = excluded.timezone_offset,
			created_at = excluded.created_at`,
		meta.ID, meta.Name, meta.Start, meta.TimezoneOffset, meta.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("catalog: failed to save recording: %w", err)
	}
	return nil
}

// Close closes the database connections.
func (c *SQLiteCatalog) Close() error {
	var firstErr error
	if c.upsertStmt != nil {
		if err := c.upsertStmt.Close(); err != nil {
			firstErr = err
		}
	}
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
