package buffer

import (
	"encoding/json"

	"github.com/plantfloor/batchbridge/internal/mapping"
)

// schemaSQL creates spec §4.3's two tables: pending and config. Compatible
// in shape with sqlite_storage.go's initSchema but rewritten entirely for
// the bridge's own tables.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS pending (
    entry_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    body       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const insertPendingSQL = `
INSERT INTO pending (body, created_at, attempts) VALUES (?, ?, 0)
`

const upsertConfigSQL = `
INSERT INTO config (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`

const countPendingSQL = `SELECT COUNT(*) FROM pending`

const peekOldestSQL = `
SELECT entry_id, body, created_at, attempts
FROM pending
ORDER BY entry_id ASC
LIMIT 1
`

const removePendingSQL = `DELETE FROM pending WHERE entry_id = ?`

const incrementAttemptsSQL = `UPDATE pending SET attempts = attempts + 1 WHERE entry_id = ?`

const selectConfigSQL = `SELECT value FROM config WHERE key = ?`

type mappingPairJSON struct {
	Tag    string `json:"tag"`
	Column string `json:"column"`
}

func marshalMapping(m mapping.Mapping) ([]byte, error) {
	pairs := make([]mappingPairJSON, len(m))
	for i, p := range m {
		pairs[i] = mappingPairJSON{Tag: p.Tag, Column: p.Column}
	}
	return json.Marshal(pairs)
}

func unmarshalMapping(data []byte) (mapping.Mapping, error) {
	var pairs []mappingPairJSON
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, err
	}
	m := make(mapping.Mapping, len(pairs))
	for i, p := range pairs {
		m[i] = mapping.Pair{Tag: p.Tag, Column: p.Column}
	}
	return m, nil
}
