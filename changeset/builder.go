package changeset

// Builder assembles change records into an in-memory changeset that can be
// turned into a Reader or written out. Tables must be declared before rows
// are added to them.
type Builder struct {
	tables    []*tableChanges
	byName    map[string]*tableChanges
	schemaGen uint64
}

// NewBuilder returns an empty builder stamped with the given schema
// generation.
func NewBuilder(schemaGen uint64) *Builder {
	return &Builder{byName: map[string]*tableChanges{}, schemaGen: schemaGen}
}

// Table declares a table with its column list and primary-key columns.
// Redeclaring a table is a no-op.
func (b *Builder) Table(name string, columns []string, pkColumns ...string) *Builder {
	if b.byName[name] != nil {
		return b
	}
	t := &tableChanges{Name: name, Columns: append([]string(nil), columns...)}
	t.PK = make([]bool, len(columns))
	for i, c := range columns {
		for _, pk := range pkColumns {
			if c == pk {
				t.PK[i] = true
			}
		}
	}
	b.byName[name] = t
	b.tables = append(b.tables, t)
	return b
}

// Insert records an insert of the given column values.
func (b *Builder) Insert(table string, values map[string]Value) *Builder {
	t := b.byName[table]
	if t == nil {
		return b
	}
	t.Rows = append(t.Rows, rowChange{Op: OpInsert, New: mapToSide(t, values)})
	return b
}

// Update records an update; old and new may cover a subset of columns but
// must include the primary key on the old side.
func (b *Builder) Update(table string, oldVals, newVals map[string]Value) *Builder {
	t := b.byName[table]
	if t == nil {
		return b
	}
	t.Rows = append(t.Rows, rowChange{Op: OpUpdate, Old: mapToSide(t, oldVals), New: mapToSide(t, newVals)})
	return b
}

// Delete records a delete of the row identified by old.
func (b *Builder) Delete(table string, old map[string]Value) *Builder {
	t := b.byName[table]
	if t == nil {
		return b
	}
	t.Rows = append(t.Rows, rowChange{Op: OpDelete, Old: mapToSide(t, old)})
	return b
}

// Reader returns a reader over the builder's current content. The builder
// must not be reused afterwards.
func (b *Builder) Reader() *Reader {
	return &Reader{tables: b.tables, schemaGen: b.schemaGen, log: optLogger(Options{})}
}

// WriteToFile serializes the builder's content to path.
func (b *Builder) WriteToFile(path string, containsSchemaChanges, overwrite bool) error {
	_, _, err := writeFileAtomic(path, b.tables, b.schemaGen, containsSchemaChanges, overwrite)
	return err
}

func mapToSide(t *tableChanges, values map[string]Value) []*Value {
	side := make([]*Value, len(t.Columns))
	for name, v := range values {
		if i := t.colIndex(name); i >= 0 {
			val := v
			side[i] = &val
		}
	}
	return side
}
