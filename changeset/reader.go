package changeset

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Conn is the subset of the briefcase connection the readers need. It is
// satisfied by engine.Connection.
type Conn interface {
	DB() *sql.DB
	SchemaGeneration(ctx context.Context) (uint64, error)
}

// Options controls reader construction.
type Options struct {
	// DisableSchemaCheck skips the schema-generation compatibility check.
	// Intentional escape hatch for tooling that inspects historical
	// changesets against a newer schema.
	DisableSchemaCheck bool

	// Logger receives squash and decode diagnostics; nil uses the logrus
	// standard logger.
	Logger *logrus.Logger
}

// Reader iterates the row-change records of one changeset source: a single
// file, the briefcase's uncommitted local changes, or an ordered group of
// files squashed into their net effect. A Reader exclusively holds its
// decoded content and scratch state for its lifetime; release it with
// Close.
type Reader struct {
	log                   *logrus.Logger
	tables                []*tableChanges
	schemaGen             uint64
	containsSchemaChanges bool
	uncompressedSize      uint64
	dropped               int

	ti, ri  int
	started bool
	closed  bool
}

// OpenFile opens a single changeset file against conn. Unless disabled, the
// file's recorded schema generation must not be newer than the
// connection's current generation; a newer file fails with
// ErrSchemaMismatch.
func OpenFile(ctx context.Context, path string, conn Conn, opts Options) (*Reader, error) {
	tables, hdr, err := readFile(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		log:                   optLogger(opts),
		tables:                tables,
		schemaGen:             hdr.SchemaGeneration,
		containsSchemaChanges: hdr.ContainsSchemaChanges,
		uncompressedSize:      hdr.UncompressedSize,
	}
	if err := r.checkSchema(ctx, conn, opts, path); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenGroup opens an ordered group of changeset files and squashes them
// into one logical timeline slice. Grouping is order-sensitive: paths must
// be supplied in timeline order.
func OpenGroup(ctx context.Context, paths []string, conn Conn, opts Options) (*Reader, error) {
	if len(paths) == 0 {
		return nil, errors.Wrap(ErrIO, "empty changeset group")
	}
	log := optLogger(opts)
	sq := newSquasher(log)
	r := &Reader{log: log}
	for _, path := range paths {
		tables, hdr, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if hdr.SchemaGeneration > r.schemaGen {
			r.schemaGen = hdr.SchemaGeneration
		}
		r.containsSchemaChanges = r.containsSchemaChanges || hdr.ContainsSchemaChanges
		r.uncompressedSize += hdr.UncompressedSize
		for _, t := range tables {
			sq.addTable(t)
		}
		if !opts.DisableSchemaCheck {
			if err := checkGeneration(ctx, conn, hdr.SchemaGeneration, path); err != nil {
				return nil, err
			}
		}
	}
	r.tables = sq.result()
	r.dropped = sq.dropped
	return r, nil
}

// OpenLocalChanges opens the briefcase's uncommitted local changes, read
// from the trigger-maintained change log on conn.
func OpenLocalChanges(ctx context.Context, conn Conn, opts Options) (*Reader, error) {
	tables, err := readLocalChanges(ctx, conn.DB())
	if err != nil {
		return nil, err
	}
	gen, err := conn.SchemaGeneration(ctx)
	if err != nil {
		return nil, err
	}
	return &Reader{log: optLogger(opts), tables: tables, schemaGen: gen}, nil
}

func optLogger(opts Options) *logrus.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return logrus.StandardLogger()
}

func (r *Reader) checkSchema(ctx context.Context, conn Conn, opts Options, path string) error {
	if opts.DisableSchemaCheck {
		return nil
	}
	return checkGeneration(ctx, conn, r.schemaGen, path)
}

func checkGeneration(ctx context.Context, conn Conn, gen uint64, path string) error {
	if conn == nil {
		return nil
	}
	current, err := conn.SchemaGeneration(ctx)
	if err != nil {
		return err
	}
	if gen > current {
		return errors.Wrapf(ErrSchemaMismatch, "%s has schema generation %d, connection has %d", path, gen, current)
	}
	return nil
}

// Step advances to the next record. It returns false at end of stream and
// keeps returning false on further calls.
func (r *Reader) Step() bool {
	if r.closed {
		return false
	}
	if !r.started {
		r.started = true
		r.ti, r.ri = 0, 0
	} else {
		r.ri++
	}
	for r.ti < len(r.tables) {
		if r.ri < len(r.tables[r.ti].Rows) {
			return true
		}
		r.ti++
		r.ri = 0
	}
	return false
}

// Reset rewinds the reader so the stream can be walked again.
func (r *Reader) Reset() {
	r.started = false
	r.ti, r.ri = 0, 0
}

func (r *Reader) current() (*tableChanges, *rowChange) {
	if !r.started || r.closed || r.ti >= len(r.tables) {
		return nil, nil
	}
	t := r.tables[r.ti]
	if r.ri >= len(t.Rows) {
		return nil, nil
	}
	return t, &t.Rows[r.ri]
}

// Table returns the current record's table name.
func (r *Reader) Table() string {
	t, _ := r.current()
	if t == nil {
		return ""
	}
	return t.Name
}

// Op returns the current record's operation.
func (r *Reader) Op() Op {
	_, row := r.current()
	if row == nil {
		return 0
	}
	return row.Op
}

// Indirect reports whether the current record was an indirect change
// (made by a trigger or cascade rather than directly).
func (r *Reader) Indirect() bool {
	_, row := r.current()
	return row != nil && row.Indirect
}

// OldValue returns the current record's old value for column; ok is false
// if the column was not recorded on the old side.
func (r *Reader) OldValue(column string) (Value, bool) {
	t, row := r.current()
	if t == nil || row.Old == nil {
		return Value{}, false
	}
	i := t.colIndex(column)
	if i < 0 || i >= len(row.Old) || row.Old[i] == nil {
		return Value{}, false
	}
	return *row.Old[i], true
}

// NewValue returns the current record's new value for column; ok is false
// if the column was not recorded on the new side.
func (r *Reader) NewValue(column string) (Value, bool) {
	t, row := r.current()
	if t == nil || row.New == nil {
		return Value{}, false
	}
	i := t.colIndex(column)
	if i < 0 || i >= len(row.New) || row.New[i] == nil {
		return Value{}, false
	}
	return *row.New[i], true
}

// OldColumns returns the columns recorded on the current record's old side.
func (r *Reader) OldColumns() []string {
	t, row := r.current()
	if t == nil {
		return nil
	}
	return sideColumns(t.Columns, row.Old)
}

// NewColumns returns the columns recorded on the current record's new side.
func (r *Reader) NewColumns() []string {
	t, row := r.current()
	if t == nil {
		return nil
	}
	return sideColumns(t.Columns, row.New)
}

func sideColumns(cols []string, side []*Value) []string {
	var out []string
	for i, c := range cols {
		if i < len(side) && side[i] != nil {
			out = append(out, c)
		}
	}
	return out
}

// SequenceIndex returns the current record's position in this reader's
// stream, or -1 if the reader is not positioned on a record.
func (r *Reader) SequenceIndex() int {
	if t, _ := r.current(); t == nil {
		return -1
	}
	seq := 0
	for i := 0; i < r.ti; i++ {
		seq += len(r.tables[i].Rows)
	}
	return seq + r.ri
}

// Record materializes the current record, or nil if the reader is not
// positioned on one.
func (r *Reader) Record() *Record {
	t, row := r.current()
	if t == nil {
		return nil
	}
	return &Record{
		Table:         t.Name,
		Op:            row.Op,
		Indirect:      row.Indirect,
		Old:           sideToMap(t.Columns, row.Old),
		New:           sideToMap(t.Columns, row.New),
		SequenceIndex: r.SequenceIndex(),
	}
}

// PrimaryKeyColumns returns the primary-key columns of the current
// record's table.
func (r *Reader) PrimaryKeyColumns() []string {
	t, _ := r.current()
	if t == nil {
		return nil
	}
	return t.pkColumns()
}

// SchemaGeneration returns the schema generation recorded in the source
// (the highest one across a group).
func (r *Reader) SchemaGeneration() uint64 { return r.schemaGen }

// ContainsSchemaChanges reports the schema-changes flag recorded in the
// source (true if any file in a group carried it).
func (r *Reader) ContainsSchemaChanges() bool { return r.containsSchemaChanges }

// UncompressedSize returns the payload size of the source before
// compression (summed across a group).
func (r *Reader) UncompressedSize() uint64 { return r.uncompressedSize }

// DroppedRows returns the number of rows discarded by the squash because
// of invalid operation pairs (group mode only).
func (r *Reader) DroppedRows() int { return r.dropped }

// Invert flips the reader's logical content in place: inserts become
// deletes, deletes become inserts, updates swap old and new. The iteration
// position is reset.
func (r *Reader) Invert() {
	invertTables(r.tables)
	r.Reset()
}

// WriteToFile serializes the reader's current logical content (the squashed
// net content in group mode) into the standard binary format. It fails with
// ErrIO if path exists and overwrite is false. The containsSchemaChanges
// flag is stored as metadata, not re-derived from content.
func (r *Reader) WriteToFile(path string, containsSchemaChanges, overwrite bool) error {
	if r.closed {
		return errors.Wrap(ErrIO, "reader is closed")
	}
	_, _, err := writeFileAtomic(path, r.tables, r.schemaGen, containsSchemaChanges, overwrite)
	return err
}

// Close releases the reader's decoded content and scratch state. Safe to
// call more than once.
func (r *Reader) Close() error {
	r.closed = true
	r.tables = nil
	return nil
}
