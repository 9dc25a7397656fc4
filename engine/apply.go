package engine

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
)

// Apply executes every record of r against the connection inside one
// transaction: the briefcase is never left partially mutated. Change
// tracking is paused for the duration so a pulled changeset does not
// register as a local edit. While stat tracking is enabled, one HealthStat
// is recorded per call.
func (c *Connection) Apply(ctx context.Context, r *changeset.Reader, changesetID string) error {
	return c.applyRecord(ctx, r, changesetID, nil)
}

// ApplyAndRecord applies r and appends desc to the timeline in the same
// transaction, so the briefcase state and its timeline cannot diverge.
func (c *Connection) ApplyAndRecord(ctx context.Context, r *changeset.Reader, desc ChangesetDescriptor) error {
	return c.applyRecord(ctx, r, desc.ID, &desc)
}

func (c *Connection) applyRecord(ctx context.Context, r *changeset.Reader, changesetID string, desc *ChangesetDescriptor) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin apply")
	}
	defer func() { _ = tx.Rollback() }()

	if err := c.pauseTracking(ctx, tx); err != nil {
		return err
	}

	stat := HealthStat{
		ChangesetID:           changesetID,
		UncompressedSizeBytes: r.UncompressedSize(),
	}
	perStatement := map[string]*StatementStat{}
	started := time.Now()

	r.Reset()
	for r.Step() {
		rec := r.Record()
		stmt, args, err := buildStatement(rec, r.PrimaryKeyColumns())
		if err != nil {
			return err
		}
		stmtStart := time.Now()
		res, err := tx.ExecContext(ctx, stmt, args...)
		elapsed := time.Since(stmtStart)
		if err != nil {
			return errors.Wrapf(err, "apply %s on %s", rec.Op, rec.Table)
		}
		affected, _ := res.RowsAffected()
		switch rec.Op {
		case changeset.OpInsert:
			stat.InsertedRows += affected
		case changeset.OpUpdate:
			stat.UpdatedRows += affected
		case changeset.OpDelete:
			stat.DeletedRows += affected
		}
		if c.statsEnabled {
			ss := perStatement[stmt]
			if ss == nil {
				scans, err := fullTableScans(ctx, tx, stmt, args)
				if err != nil {
					return err
				}
				ss = &StatementStat{
					SQLStatement:   stmt,
					DBOperation:    strings.ToLower(rec.Op.String()),
					FullTableScans: scans,
				}
				perStatement[stmt] = ss
			}
			ss.RowCount += affected
			ss.ElapsedMs += float64(elapsed) / float64(time.Millisecond)
		}
	}

	if err := c.resumeTracking(ctx, tx); err != nil {
		return err
	}
	if desc != nil {
		if err := appendChangesetTx(ctx, tx, *desc); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit apply")
	}

	if c.statsEnabled {
		stat.TotalElapsedMs = float64(time.Since(started)) / float64(time.Millisecond)
		for _, ss := range perStatement {
			stat.PerStatementStats = append(stat.PerStatementStats, *ss)
			stat.TotalFullTableScans += ss.FullTableScans
		}
		sort.Slice(stat.PerStatementStats, func(i, j int) bool {
			return stat.PerStatementStats[i].SQLStatement < stat.PerStatementStats[j].SQLStatement
		})
		c.health = append(c.health, stat)
	}
	c.log.WithField("changeset", changesetID).
		Debugf("applied changeset (%s uncompressed)", humanize.Bytes(r.UncompressedSize()))
	return nil
}

// buildStatement turns one record into a parameterized SQL statement. The
// column order is sorted so identical record shapes share statement text
// (and a per-statement stat bucket).
func buildStatement(rec *changeset.Record, pkColumns []string) (string, []any, error) {
	switch rec.Op {
	case changeset.OpInsert:
		cols := sortedColumns(rec.New)
		if len(cols) == 0 {
			return "", nil, errors.Wrapf(changeset.ErrCorruptChangeset, "insert on %s with no values", rec.Table)
		}
		args := make([]any, 0, len(cols))
		quoted := make([]string, 0, len(cols))
		for _, col := range cols {
			quoted = append(quoted, quoteIdent(col))
			args = append(args, rec.New[col].Any())
		}
		stmt := "INSERT INTO " + quoteIdent(rec.Table) + "(" + strings.Join(quoted, ", ") + ") VALUES(" +
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
		return stmt, args, nil

	case changeset.OpUpdate:
		setCols := make([]string, 0, len(rec.New))
		for _, col := range sortedColumns(rec.New) {
			if !contains(pkColumns, col) {
				setCols = append(setCols, col)
			}
		}
		if len(setCols) == 0 {
			return "", nil, errors.Wrapf(changeset.ErrCorruptChangeset, "update on %s with no values", rec.Table)
		}
		var b strings.Builder
		args := make([]any, 0, len(setCols)+len(pkColumns))
		b.WriteString("UPDATE " + quoteIdent(rec.Table) + " SET ")
		for i, col := range setCols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(col) + " = ?")
			args = append(args, rec.New[col].Any())
		}
		whereArgs, err := pkWhere(&b, rec, pkColumns)
		if err != nil {
			return "", nil, err
		}
		return b.String(), append(args, whereArgs...), nil

	case changeset.OpDelete:
		var b strings.Builder
		b.WriteString("DELETE FROM " + quoteIdent(rec.Table))
		args, err := pkWhere(&b, rec, pkColumns)
		if err != nil {
			return "", nil, err
		}
		return b.String(), args, nil

	default:
		return "", nil, errors.Wrapf(changeset.ErrCorruptChangeset, "bad op %d", rec.Op)
	}
}

func pkWhere(b *strings.Builder, rec *changeset.Record, pkColumns []string) ([]any, error) {
	if len(pkColumns) == 0 {
		return nil, errors.Wrapf(changeset.ErrCorruptChangeset, "table %s has no primary key", rec.Table)
	}
	args := make([]any, 0, len(pkColumns))
	b.WriteString(" WHERE ")
	for i, col := range pkColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		v, ok := rec.Old[col]
		if !ok {
			v, ok = rec.New[col]
		}
		if !ok {
			return nil, errors.Wrapf(changeset.ErrCorruptChangeset,
				"record on %s is missing primary-key column %s", rec.Table, col)
		}
		b.WriteString(quoteIdent(col) + " = ?")
		args = append(args, v.Any())
	}
	return args, nil
}

// fullTableScans counts SCAN steps in the statement's query plan.
func fullTableScans(ctx context.Context, tx *sql.Tx, stmt string, args []any) (int64, error) {
	rows, err := tx.QueryContext(ctx, "EXPLAIN QUERY PLAN "+stmt, args...)
	if err != nil {
		// Not every statement shape is explainable; treat as no scans.
		return 0, nil
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return 0, nil
	}
	var scans int64
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return scans, nil
		}
		if len(vals) > 0 {
			if detail, ok := vals[len(vals)-1].(string); ok && strings.HasPrefix(detail, "SCAN") {
				scans++
			}
		}
	}
	return scans, nil
}

func sortedColumns(values map[string]changeset.Value) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
