package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ChangesetType classifies a changeset on the timeline.
type ChangesetType int

const (
	TypeRegular ChangesetType = iota
	TypeSchema
	TypeSchemaSync
)

// String returns the canonical type name.
func (t ChangesetType) String() string {
	switch t {
	case TypeRegular:
		return "Regular"
	case TypeSchema:
		return "Schema"
	case TypeSchemaSync:
		return "SchemaSync"
	default:
		return fmt.Sprintf("ChangesetType(%d)", int(t))
	}
}

// ChangesetDescriptor describes one changeset on the timeline. Index is the
// positive timeline position; 0 means "before the first changeset".
type ChangesetDescriptor struct {
	Index            int64
	ID               string
	ParentID         string
	Description      string
	PushDate         time.Time
	Type             ChangesetType
	Size             int64
	UncompressedSize int64
}

// ChangesetRange selects a timeline slice: half-open above when End is
// set, to the tip when End is 0.
type ChangesetRange struct {
	First int64
	End   int64
}

// Contains reports whether index falls inside the range relative to tip.
func (r ChangesetRange) Contains(index, tip int64) bool {
	if index < r.First {
		return false
	}
	if r.End > 0 {
		return index < r.End
	}
	return index <= tip
}

const timelineDDL = `CREATE TABLE IF NOT EXISTS cs_timeline (
    idx          INTEGER PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    parent_id    TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    push_date    TEXT NOT NULL,
    kind         INTEGER NOT NULL DEFAULT 0,
    size         INTEGER NOT NULL DEFAULT 0,
    uncompressed INTEGER NOT NULL DEFAULT 0
);`

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TipIndex returns the timeline tip, 0 when no changeset was applied yet.
func (c *Connection) TipIndex(ctx context.Context) (int64, error) {
	return tipIndex(ctx, c.db)
}

func tipIndex(ctx context.Context, q execQuerier) (int64, error) {
	var tip sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT max(idx) FROM cs_timeline`).Scan(&tip)
	if err != nil {
		return 0, errors.Wrap(err, "read timeline tip")
	}
	return tip.Int64, nil
}

// AppendChangeset records a descriptor at the tip. The descriptor's index
// must be exactly tip+1; history is append-only.
func (c *Connection) AppendChangeset(ctx context.Context, d ChangesetDescriptor) error {
	return appendChangesetTx(ctx, c.db, d)
}

func appendChangesetTx(ctx context.Context, q execQuerier, d ChangesetDescriptor) error {
	tip, err := tipIndex(ctx, q)
	if err != nil {
		return err
	}
	if d.Index != tip+1 {
		return errors.Errorf("engine: descriptor index %d does not extend tip %d", d.Index, tip)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO cs_timeline
    (idx, id, parent_id, description, push_date, kind, size, uncompressed)
    VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Index, d.ID, d.ParentID, d.Description, d.PushDate.UTC().Format(time.RFC3339Nano),
		int(d.Type), d.Size, d.UncompressedSize)
	return errors.Wrap(err, "append changeset descriptor")
}

// Timeline returns every descriptor in index order.
func (c *Connection) Timeline(ctx context.Context) ([]ChangesetDescriptor, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT idx, id, parent_id, description, push_date,
    kind, size, uncompressed FROM cs_timeline ORDER BY idx`)
	if err != nil {
		return nil, errors.Wrap(err, "read timeline")
	}
	defer rows.Close()
	var out []ChangesetDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Descriptor returns the descriptor at index.
func (c *Connection) Descriptor(ctx context.Context, index int64) (ChangesetDescriptor, bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT idx, id, parent_id, description, push_date,
    kind, size, uncompressed FROM cs_timeline WHERE idx = ?`, index)
	if err != nil {
		return ChangesetDescriptor{}, false, errors.Wrap(err, "read descriptor")
	}
	defer rows.Close()
	if !rows.Next() {
		return ChangesetDescriptor{}, false, rows.Err()
	}
	d, err := scanDescriptor(rows)
	return d, err == nil, err
}

func scanDescriptor(rows *sql.Rows) (ChangesetDescriptor, error) {
	var d ChangesetDescriptor
	var pushDate string
	var kind int
	if err := rows.Scan(&d.Index, &d.ID, &d.ParentID, &d.Description, &pushDate,
		&kind, &d.Size, &d.UncompressedSize); err != nil {
		return d, errors.Wrap(err, "scan descriptor")
	}
	d.Type = ChangesetType(kind)
	t, err := time.Parse(time.RFC3339Nano, pushDate)
	if err != nil {
		return d, errors.Wrapf(err, "bad push date %q", pushDate)
	}
	d.PushDate = t
	return d, nil
}
