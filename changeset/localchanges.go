package changeset

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// The briefcase tracks uncommitted local changes in a trigger-maintained
// log table: one row per row-level change, with old/new images serialized
// as JSON (blobs hex-encoded). The engine package installs the triggers via
// TrackTableDDL; OpenLocalChanges decodes the log back into change
// records.
const LocalChangeLogTable = "cs_local_change_log"

// TrackingPauseTable suppresses the tracking triggers while it holds a row,
// so applying a pulled changeset does not register as a local edit.
const TrackingPauseTable = "cs_tracking_paused"

// LocalChangeLogDDL returns the DDL for the local change log and its pause
// marker table.
func LocalChangeLogDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + LocalChangeLogTable + ` (
    seq      INTEGER PRIMARY KEY AUTOINCREMENT,
    tbl      TEXT NOT NULL,
    op       TEXT NOT NULL,
    old_json TEXT,
    new_json TEXT
);`,
		`CREATE TABLE IF NOT EXISTS ` + TrackingPauseTable + ` (
    paused INTEGER PRIMARY KEY
);`,
	}
}

type columnInfo struct {
	Name     string
	DeclType string
	PK       bool
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]columnInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, errors.Wrapf(err, "table_info(%s)", table)
	}
	defer rows.Close()
	var cols []columnInfo
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, declType   string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &declType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, columnInfo{Name: name, DeclType: strings.ToUpper(declType), PK: pk > 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.Errorf("no such table %q", table)
	}
	return cols, nil
}

// TrackTableDDL returns the trigger statements that capture inserts,
// updates and deletes on table into the local change log. Blob columns are
// hex-encoded in the JSON payload so they survive the text round trip.
func TrackTableDDL(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	cols, err := tableColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	payload := func(alias string) string {
		parts := make([]string, 0, len(cols)*2)
		for _, c := range cols {
			expr := alias + "." + quoteIdent(c.Name)
			if strings.Contains(c.DeclType, "BLOB") {
				expr = "lower(hex(" + expr + "))"
			}
			parts = append(parts, "'"+c.Name+"', "+expr)
		}
		return "json_object(" + strings.Join(parts, ", ") + ")"
	}
	base := sanitizeIdent(table)
	tbl := quoteLiteral(table)
	when := `WHEN (SELECT count(*) FROM ` + TrackingPauseTable + `) = 0`
	return []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS cs_track_%s_ins AFTER INSERT ON %s %s BEGIN
    INSERT INTO %s(tbl, op, new_json) VALUES(%s, 'I', %s);
END;`, base, quoteIdent(table), when, LocalChangeLogTable, tbl, payload("NEW")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS cs_track_%s_upd AFTER UPDATE ON %s %s BEGIN
    INSERT INTO %s(tbl, op, old_json, new_json) VALUES(%s, 'U', %s, %s);
END;`, base, quoteIdent(table), when, LocalChangeLogTable, tbl, payload("OLD"), payload("NEW")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS cs_track_%s_del AFTER DELETE ON %s %s BEGIN
    INSERT INTO %s(tbl, op, old_json) VALUES(%s, 'D', %s);
END;`, base, quoteIdent(table), when, LocalChangeLogTable, tbl, payload("OLD")),
	}, nil
}

func readLocalChanges(ctx context.Context, db *sql.DB) ([]*tableChanges, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tbl, op, old_json, new_json FROM `+LocalChangeLogTable+` ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "read local change log")
	}
	defer rows.Close()

	type trackedTable struct {
		t    *tableChanges
		cols []columnInfo
	}
	byTable := map[string]*trackedTable{}
	var order []*tableChanges
	for rows.Next() {
		var table, op string
		var oldJSON, newJSON sql.NullString
		if err := rows.Scan(&table, &op, &oldJSON, &newJSON); err != nil {
			return nil, err
		}
		tt := byTable[table]
		if tt == nil {
			cols, err := tableColumns(ctx, db, table)
			if err != nil {
				return nil, err
			}
			t := &tableChanges{Name: table}
			for _, c := range cols {
				t.Columns = append(t.Columns, c.Name)
				t.PK = append(t.PK, c.PK)
			}
			tt = &trackedTable{t: t, cols: cols}
			byTable[table] = tt
			order = append(order, t)
		}
		t, cols := tt.t, tt.cols
		r := rowChange{}
		switch op {
		case "I":
			r.Op = OpInsert
		case "U":
			r.Op = OpUpdate
		case "D":
			r.Op = OpDelete
		default:
			return nil, errors.Wrapf(ErrCorruptChangeset, "unknown log op %q", op)
		}
		var err error
		if oldJSON.Valid {
			r.Old, err = decodeLogSide(oldJSON.String, cols, t)
			if err != nil {
				return nil, err
			}
		}
		if newJSON.Valid {
			r.New, err = decodeLogSide(newJSON.String, cols, t)
			if err != nil {
				return nil, err
			}
		}
		t.Rows = append(t.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return order, nil
}

func decodeLogSide(payload string, cols []columnInfo, t *tableChanges) ([]*Value, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrapf(ErrCorruptChangeset, "log payload: %v", err)
	}
	side := make([]*Value, len(t.Columns))
	for _, c := range cols {
		i := t.colIndex(c.Name)
		if i < 0 {
			continue
		}
		rv, ok := raw[c.Name]
		if !ok {
			continue
		}
		v, err := logValue(rv, c.DeclType)
		if err != nil {
			return nil, err
		}
		side[i] = &v
	}
	return side, nil
}

func logValue(raw any, declType string) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NullValue(), nil
	case json.Number:
		if strings.Contains(declType, "REAL") || strings.Contains(declType, "FLOA") || strings.Contains(declType, "DOUB") {
			f, err := t.Float64()
			if err != nil {
				return Value{}, errors.Wrapf(ErrCorruptChangeset, "bad number %q", t)
			}
			return RealValue(f), nil
		}
		if i, err := t.Int64(); err == nil {
			return IntegerValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.Wrapf(ErrCorruptChangeset, "bad number %q", t)
		}
		return RealValue(f), nil
	case string:
		if strings.Contains(declType, "BLOB") {
			b, err := hex.DecodeString(t)
			if err != nil {
				return Value{}, errors.Wrapf(ErrCorruptChangeset, "bad blob hex: %v", err)
			}
			return BlobValue(b), nil
		}
		return TextValue(t), nil
	case bool:
		if t {
			return IntegerValue(1), nil
		}
		return IntegerValue(0), nil
	default:
		return Value{}, errors.Errorf("changeset: unsupported log value %T", raw)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
