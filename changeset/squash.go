package changeset

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// squasher folds an ordered stream of row changes into their net effect per
// (table, primary key). Invalid operation pairs are dropped with a warning
// rather than aborting the whole squash; upstream guarantees normally
// prevent them.
type squasher struct {
	log    *logrus.Logger
	tables map[string]*squashTable
	order  []string
	// Dropped counts rows discarded because of invalid operation pairs.
	dropped int
}

type squashTable struct {
	merged *tableChanges
	rows   map[string]*rowChange
	order  []string
	// poisoned keys hit an invalid pair; later ops on them are ignored.
	poisoned map[string]bool
}

func newSquasher(log *logrus.Logger) *squasher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &squasher{log: log, tables: map[string]*squashTable{}}
}

// addTable folds one table group into the accumulated net state. Column
// sets from different changesets are unioned by name; primary-key flags are
// taken from the first group that mentions each column.
func (s *squasher) addTable(t *tableChanges) {
	st := s.tables[t.Name]
	if st == nil {
		st = &squashTable{
			merged:   &tableChanges{Name: t.Name},
			rows:     map[string]*rowChange{},
			poisoned: map[string]bool{},
		}
		s.tables[t.Name] = st
		s.order = append(s.order, t.Name)
	}
	remap := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		j := st.merged.colIndex(c)
		if j < 0 {
			j = len(st.merged.Columns)
			st.merged.Columns = append(st.merged.Columns, c)
			pk := i < len(t.PK) && t.PK[i]
			st.merged.PK = append(st.merged.PK, pk)
		}
		remap[i] = j
	}
	for _, r := range t.Rows {
		row := remapRow(r, remap, len(st.merged.Columns))
		s.addRow(st, row)
	}
}

func remapRow(r rowChange, remap []int, ncols int) rowChange {
	out := rowChange{Op: r.Op, Indirect: r.Indirect}
	if r.Old != nil {
		out.Old = make([]*Value, ncols)
		for i, v := range r.Old {
			if v != nil && i < len(remap) {
				out.Old[remap[i]] = v
			}
		}
	}
	if r.New != nil {
		out.New = make([]*Value, ncols)
		for i, v := range r.New {
			if v != nil && i < len(remap) {
				out.New[remap[i]] = v
			}
		}
	}
	return out
}

func (s *squasher) addRow(st *squashTable, row rowChange) {
	key := st.merged.pkKey(row)
	if st.poisoned[key] {
		return
	}
	prev, ok := st.rows[key]
	if !ok {
		r := row
		st.rows[key] = &r
		st.order = append(st.order, key)
		return
	}
	net, valid := composeOps(prev, row)
	if !valid {
		s.log.WithFields(logrus.Fields{
			"table": st.merged.Name,
			"pk":    key,
			"prev":  prev.Op.String(),
			"next":  row.Op.String(),
		}).Warnf("%v: dropping row", ErrInvalidOperationSequence)
		s.dropped++
		st.poisoned[key] = true
		delete(st.rows, key)
		return
	}
	if net == nil {
		// Insert followed by delete: the row never existed from the
		// group's perspective.
		delete(st.rows, key)
		return
	}
	st.rows[key] = net
}

// composeOps applies the operation-composition algebra, with prev occurring
// earlier in time. It returns (nil, true) for the cancel case and
// (nil, false) for invalid pairs.
func composeOps(prev *rowChange, next rowChange) (*rowChange, bool) {
	switch {
	case prev.Op == OpInsert && next.Op == OpInsert:
		return nil, false // double insert
	case prev.Op == OpInsert && next.Op == OpUpdate:
		return &rowChange{
			Op:       OpInsert,
			Indirect: prev.Indirect && next.Indirect,
			New:      overlay(prev.New, next.New),
		}, true
	case prev.Op == OpInsert && next.Op == OpDelete:
		return nil, true // cancel
	case prev.Op == OpUpdate && next.Op == OpInsert:
		return nil, false
	case prev.Op == OpUpdate && next.Op == OpUpdate:
		return &rowChange{
			Op:       OpUpdate,
			Indirect: prev.Indirect && next.Indirect,
			Old:      overlay(next.Old, prev.Old),
			New:      overlay(prev.New, next.New),
		}, true
	case prev.Op == OpUpdate && next.Op == OpDelete:
		return &rowChange{
			Op:       OpDelete,
			Indirect: prev.Indirect && next.Indirect,
			Old:      overlay(next.Old, prev.Old),
		}, true
	case prev.Op == OpDelete && next.Op == OpInsert:
		// Row resurrected under id-reuse semantics.
		return &rowChange{
			Op:       OpUpdate,
			Indirect: prev.Indirect && next.Indirect,
			Old:      prev.Old,
			New:      next.New,
		}, true
	default:
		// Delete+Update and Delete+Delete operate on a nonexistent row.
		return nil, false
	}
}

// overlay merges two value sides aligned to the same column set; values in
// top win over base where both are present.
func overlay(base, top []*Value) []*Value {
	n := len(base)
	if len(top) > n {
		n = len(top)
	}
	out := make([]*Value, n)
	for i := 0; i < n; i++ {
		if i < len(top) && top[i] != nil {
			out[i] = top[i]
		} else if i < len(base) {
			out[i] = base[i]
		}
	}
	return out
}

// result materializes the net table set in deterministic order: tables in
// first-seen order, rows sorted by primary key within each table.
func (s *squasher) result() []*tableChanges {
	var out []*tableChanges
	for _, name := range s.order {
		st := s.tables[name]
		t := &tableChanges{Name: name, Columns: st.merged.Columns, PK: st.merged.PK}
		keys := make([]string, 0, len(st.rows))
		for _, k := range st.order {
			if _, ok := st.rows[k]; ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		seen := map[string]bool{}
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			t.Rows = append(t.Rows, *st.rows[k])
		}
		if len(t.Rows) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// invertTables flips every record in place: inserts become deletes, deletes
// become inserts, updates swap their old and new sides. Applying the result
// after the original is a no-op.
func invertTables(tables []*tableChanges) {
	for _, t := range tables {
		for i := range t.Rows {
			r := &t.Rows[i]
			switch r.Op {
			case OpInsert:
				r.Op = OpDelete
				r.Old, r.New = r.New, nil
			case OpDelete:
				r.Op = OpInsert
				r.Old, r.New = nil, r.Old
			case OpUpdate:
				r.Old, r.New = r.New, r.Old
			}
		}
	}
}
