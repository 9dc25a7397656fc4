package engine

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
)

const metaTable = "cs_meta"

const metaKeySchemaGeneration = "schema_generation"

// Options configures a briefcase connection.
type Options struct {
	// Logger receives apply and tracking diagnostics; nil uses the logrus
	// standard logger.
	Logger *logrus.Logger
}

// Connection is a briefcase: a local writable copy of the database that
// exchanges changesets with a shared timeline. It owns the briefcase meta
// tables and the connection's change-application state; readers, adaptors
// and accumulators operating against it are mutually exclusive for their
// lifetimes.
type Connection struct {
	db  *sql.DB
	log *logrus.Logger

	statsEnabled bool
	health       []HealthStat
}

// OpenBriefcase opens dsn and ensures the briefcase meta schema exists.
func OpenBriefcase(ctx context.Context, dsn string, opts Options) (*Connection, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dsn)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Connection{db: db, log: log}
	if err := c.ensureMeta(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) ensureMeta(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`,
		timelineDDL,
	}
	stmts = append(stmts, changeset.LocalChangeLogDDL()...)
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure briefcase meta schema")
		}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+metaTable+`(key, value) VALUES(?, ?)`,
		metaKeySchemaGeneration, "1")
	return errors.Wrap(err, "seed schema generation")
}

// DB exposes the underlying database handle.
func (c *Connection) DB() *sql.DB { return c.db }

// Logger returns the connection's logger.
func (c *Connection) Logger() *logrus.Logger { return c.log }

// SchemaGeneration returns the briefcase's current schema generation.
func (c *Connection) SchemaGeneration(ctx context.Context) (uint64, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM `+metaTable+` WHERE key = ?`, metaKeySchemaGeneration).Scan(&raw)
	if err != nil {
		return 0, errors.Wrap(err, "read schema generation")
	}
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad schema generation %q", raw)
	}
	return gen, nil
}

// SetSchemaGeneration records a new schema generation, normally after a
// schema upgrade changeset.
func (c *Connection) SetSchemaGeneration(ctx context.Context, gen uint64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+metaTable+`(key, value) VALUES(?, ?)`,
		metaKeySchemaGeneration, strconv.FormatUint(gen, 10))
	return errors.Wrap(err, "set schema generation")
}

// TrackTable installs the change-tracking triggers for table so local edits
// land in the change log and can be read back via
// changeset.OpenLocalChanges.
func (c *Connection) TrackTable(ctx context.Context, table string) error {
	stmts, err := changeset.TrackTableDDL(ctx, c.db, table)
	if err != nil {
		return errors.Wrapf(err, "track %s", table)
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "install tracking trigger on %s", table)
		}
	}
	return nil
}

// ClearLocalChanges empties the local change log, normally after the
// changes were pushed.
func (c *Connection) ClearLocalChanges(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM `+changeset.LocalChangeLogTable)
	return errors.Wrap(err, "clear local change log")
}

func (c *Connection) pauseTracking(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+changeset.TrackingPauseTable+`(paused) VALUES(1)`)
	return errors.Wrap(err, "pause change tracking")
}

func (c *Connection) resumeTracking(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM `+changeset.TrackingPauseTable)
	return errors.Wrap(err, "resume change tracking")
}

// Close releases the connection. Safe to call more than once.
func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
