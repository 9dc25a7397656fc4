package changeset

import "fmt"

// Op is a row-change operation code.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

// String returns the canonical operation name.
func (op Op) String() string {
	switch op {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Record is one row-level change as read from a changeset source. Old is
// populated for Update/Delete, New for Insert/Update; both maps may be
// partial for updates that touched a subset of columns. Records are
// immutable once produced by a Reader.
type Record struct {
	Table         string
	Op            Op
	Indirect      bool
	Old           map[string]Value
	New           map[string]Value
	SequenceIndex int
}

// tableChanges is the positional in-memory form the codec and the squash
// algebra operate on. Rows align their old/new slices with Columns; a nil
// slot means the column was not recorded for that side.
type tableChanges struct {
	Name    string
	Columns []string
	PK      []bool
	Rows    []rowChange
}

type rowChange struct {
	Op       Op
	Indirect bool
	Old      []*Value
	New      []*Value
}

func (t *tableChanges) colIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *tableChanges) pkColumns() []string {
	var out []string
	for i, c := range t.Columns {
		if i < len(t.PK) && t.PK[i] {
			out = append(out, c)
		}
	}
	return out
}

// pkKey derives the canonical primary-key string for a row, preferring old
// values (updates and deletes identify the row by its prior key).
func (t *tableChanges) pkKey(r rowChange) string {
	side := r.Old
	if r.Op == OpInsert {
		side = r.New
	}
	key := ""
	for i := range t.Columns {
		if i >= len(t.PK) || !t.PK[i] {
			continue
		}
		v := valueAt(side, i)
		key += v.String() + "|"
	}
	return key
}

func valueAt(side []*Value, i int) Value {
	if i < len(side) && side[i] != nil {
		return *side[i]
	}
	return NullValue()
}

func sideToMap(cols []string, side []*Value) map[string]Value {
	if side == nil {
		return nil
	}
	m := make(map[string]Value, len(cols))
	for i, c := range cols {
		if i < len(side) && side[i] != nil {
			m[c] = *side[i]
		}
	}
	return m
}
