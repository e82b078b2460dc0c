// Package catalog provides the queryable SQLite catalog of a recording's
// segments, the asynchronous updater that applies catalog-update requests in
// order, and the reconciliation pass that repairs divergence from disk.
package catalog

// SchemaVersion is the catalog schema version stored in catalog_meta.
const SchemaVersion = 1

// CreateSegmentsTableSQL creates the segments table, one row per segment file.
// sample_rate is NULL when the rate is not a number.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    path TEXT PRIMARY KEY,
    day INTEGER NOT NULL,
    start_ns INTEGER NOT NULL,
    end_ns INTEGER NOT NULL,
    timezone_offset INTEGER NOT NULL,
    sample_rate REAL,
    shape TEXT NOT NULL,
    axis INTEGER NOT NULL DEFAULT 0,
    start_id INTEGER NOT NULL,
    end_id INTEGER NOT NULL,
    update_id INTEGER NOT NULL
)`

// CreateSegmentsIndexesSQL creates indexes for time-range and id-range lookups.
var CreateSegmentsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_segments_time ON segments(start_ns, end_ns)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_ids ON segments(start_id, end_id)`,
	`CREATE INDEX IF NOT EXISTS idx_segments_day ON segments(day)`,
}

// CreateCatalogMetaTableSQL creates the key/value table holding the update-id
// counter and schema version.
const CreateCatalogMetaTableSQL = `
CREATE TABLE IF NOT EXISTS catalog_meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
)`

// CreateRecordingTableSQL creates the single-row recording table.
const CreateRecordingTableSQL = `
CREATE TABLE IF NOT EXISTS recording (
    singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
    recording_id TEXT NOT NULL,
    name TEXT NOT NULL,
    start_ns INTEGER NOT NULL,
    timezone_offset INTEGER NOT NULL,
    created_at INTEGER NOT NULL
)`

const (
	metaLastUpdateID  = "last_update_id"
	metaSchemaVersion = "schema_version"
)

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateSegmentsTableSQL,
		CreateCatalogMetaTableSQL,
		CreateRecordingTableSQL,
	}
	stmts = append(stmts, CreateSegmentsIndexesSQL...)
	stmts = append(stmts,
		`INSERT OR IGNORE INTO catalog_meta (key, value) VALUES ('`+metaLastUpdateID+`', 0)`,
		`INSERT OR IGNORE INTO catalog_meta (key, value) VALUES ('`+metaSchemaVersion+`', 1)`,
	)
	return stmts
}
