package persistence

// schema mirrors the teacher's internal/storage/convex schema shape (a
// documents table plus a sibling entries table plus a globals table) but
// scoped to retention's needs: an index_entries table keyed by
// (index_id, key_sha256, ts) rather than the teacher's single flat index
// per document.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
    table_id TEXT NOT NULL,
    id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    json_value TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    prev_ts INTEGER,
    has_prev INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (table_id, id, ts)
);

CREATE INDEX IF NOT EXISTS idx_documents_by_table_ts ON documents(table_id, ts);

CREATE TABLE IF NOT EXISTS index_entries (
    index_id TEXT NOT NULL,
    key_sha256 BLOB NOT NULL,
    key_prefix BLOB NOT NULL,
    key_suffix BLOB,
    ts INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    table_id TEXT,
    document_id TEXT,
    PRIMARY KEY (index_id, key_sha256, ts)
);

CREATE INDEX IF NOT EXISTS idx_index_entries_by_key ON index_entries(index_id, key_sha256, ts DESC);

CREATE TABLE IF NOT EXISTS persistence_globals (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`

const insertDocumentQuery = `
INSERT OR REPLACE INTO documents (table_id, id, ts, json_value, deleted, prev_ts, has_prev)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

const insertIndexEntryQuery = `
INSERT OR REPLACE INTO index_entries (index_id, key_sha256, key_prefix, key_suffix, ts, deleted, table_id, document_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const setGlobalQuery = `
INSERT OR REPLACE INTO persistence_globals (key, value) VALUES (?, ?)
`

const getGlobalQuery = `
SELECT value FROM persistence_globals WHERE key = ?
`

const maxTimestampQuery = `
SELECT COALESCE(MAX(ts), 0) FROM documents
`

const streamRevisionsQueryTemplate = `
SELECT table_id, id, ts, json_value, deleted, prev_ts, has_prev
FROM documents
WHERE table_id = ? AND ts >= ? AND ts <= ?
ORDER BY ts %s
LIMIT ? OFFSET ?
`

const streamAllRevisionsQueryTemplate = `
SELECT table_id, id, ts, json_value, deleted, prev_ts, has_prev
FROM documents
WHERE ts >= ? AND ts <= ?
ORDER BY ts %s
LIMIT ? OFFSET ?
`

const revisionAtQuery = `
SELECT table_id, id, ts, json_value, deleted, prev_ts, has_prev
FROM documents
WHERE table_id = ? AND id = ? AND ts = ?
`

// indexEntryExistsQuery checks whether the exact (index_id, key_sha256, ts)
// tuple is present, regardless of its deleted flag — a candidate is
// eligible for deletion as long as the row exists at all.
const indexEntryExistsQuery = `
SELECT deleted FROM index_entries WHERE index_id = ? AND key_sha256 = ? AND ts = ?
`

const deleteIndexEntryQuery = `
DELETE FROM index_entries WHERE index_id = ? AND key_sha256 = ? AND ts = ?
`

// indexScanQueryTemplate mirrors the teacher's IndexScanQuery CTE shape
// (latest non-deleted row per key, joined back to its live document) but
// over the index_entries/documents tables retention owns.
const indexScanQueryTemplate = `
WITH latest_entry AS (
    SELECT key_prefix, key_suffix, ts, deleted, table_id, document_id,
           ROW_NUMBER() OVER (PARTITION BY key_prefix, key_suffix ORDER BY ts DESC) AS rn
    FROM index_entries
    WHERE index_id = ? AND ts <= ?
)
SELECT e.key_prefix, e.key_suffix, e.document_id, d.table_id, d.id, d.ts, d.json_value, d.deleted, d.prev_ts, d.has_prev
FROM latest_entry e
JOIN documents d ON d.table_id = e.table_id AND d.id = e.document_id
WHERE e.rn = 1 AND e.deleted = 0 AND d.deleted = 0
  AND d.ts = (
    SELECT MAX(ts) FROM documents WHERE table_id = e.table_id AND id = e.document_id AND ts <= ?
  )
ORDER BY e.key_prefix %s, e.key_suffix %s
LIMIT ?
`
