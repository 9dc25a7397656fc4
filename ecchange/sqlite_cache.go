package ecchange

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SQLiteCache spills the unification working set into a temporary table on
// the target connection's database, trading per-merge latency for bounded
// memory. It produces exactly the same final instance set as MemoryCache
// for the same input.
type SQLiteCache struct {
	db     *sql.DB
	table  string
	closed bool
}

// NewSQLiteCache allocates a scratch table on db. The table lives in the
// temp schema and is dropped by Close.
func NewSQLiteCache(ctx context.Context, db *sql.DB) (*SQLiteCache, error) {
	if db == nil {
		return nil, errors.Wrap(ErrCacheBackend, "nil database")
	}
	table := "cs_unify_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := db.ExecContext(ctx, `CREATE TEMP TABLE "`+table+`" (
    instance_id TEXT NOT NULL,
    stage       INTEGER NOT NULL,
    doc         TEXT NOT NULL,
    PRIMARY KEY(instance_id, stage)
);`)
	if err != nil {
		return nil, errors.Wrapf(ErrCacheBackend, "allocate scratch table: %v", err)
	}
	return &SQLiteCache{db: db, table: table}, nil
}

// Get loads and decodes the entry for key.
func (c *SQLiteCache) Get(ctx context.Context, key Key) (*Instance, bool, error) {
	if c.closed {
		return nil, false, errors.Wrap(ErrCacheBackend, "cache is closed")
	}
	var doc string
	err := c.db.QueryRowContext(ctx, `SELECT doc FROM "`+c.table+`" WHERE instance_id = ? AND stage = ?`,
		key.InstanceID, int(key.Stage)).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(ErrCacheBackend, "get: %v", err)
	}
	var inst Instance
	if err := json.Unmarshal([]byte(doc), &inst); err != nil {
		return nil, false, errors.Wrapf(ErrCacheBackend, "decode: %v", err)
	}
	return &inst, true, nil
}

// Put encodes and stores the entry for key.
func (c *SQLiteCache) Put(ctx context.Context, key Key, inst *Instance) error {
	if c.closed {
		return errors.Wrap(ErrCacheBackend, "cache is closed")
	}
	doc, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrapf(ErrCacheBackend, "encode: %v", err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT OR REPLACE INTO "`+c.table+`"(instance_id, stage, doc) VALUES(?, ?, ?)`,
		key.InstanceID, int(key.Stage), string(doc))
	if err != nil {
		return errors.Wrapf(ErrCacheBackend, "spill: %v", err)
	}
	return nil
}

// All returns the working set ordered by (instance id, stage).
func (c *SQLiteCache) All(ctx context.Context) ([]*Instance, error) {
	if c.closed {
		return nil, errors.Wrap(ErrCacheBackend, "cache is closed")
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT doc FROM "`+c.table+`" ORDER BY instance_id, stage`)
	if err != nil {
		return nil, errors.Wrapf(ErrCacheBackend, "scan: %v", err)
	}
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Wrapf(ErrCacheBackend, "scan: %v", err)
		}
		var inst Instance
		if err := json.Unmarshal([]byte(doc), &inst); err != nil {
			return nil, errors.Wrapf(ErrCacheBackend, "decode: %v", err)
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(ErrCacheBackend, "scan: %v", err)
	}
	return out, nil
}

// Close drops the scratch table. Safe to call more than once.
func (c *SQLiteCache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if _, err := c.db.Exec(`DROP TABLE IF EXISTS "` + c.table + `"`); err != nil {
		return errors.Wrapf(ErrCacheBackend, "drop scratch table: %v", err)
	}
	return nil
}
