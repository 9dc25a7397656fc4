package revert

import (
	"github.com/ehtick/itwinjs-core-sub000/changeset"
	"github.com/ehtick/itwinjs-core-sub000/ecschema"
)

// SyncSchemaCaches walks the reader's records for class-registry deltas and
// brings the mapper's class set and hierarchy cache in line with the schema
// state the changeset produces. Every connection must run this before (or
// while) applying a changeset that adds or removes classes, in either
// direction: forward deletion, revert, and reinstate all re-derive the
// cache rather than trusting a stale snapshot. The reader's iteration
// position is reset on both entry and exit.
func SyncSchemaCaches(r *changeset.Reader, m *ecschema.Mapper) error {
	r.Reset()
	for r.Step() {
		if r.Table() != ecschema.ClassRegistryTable {
			continue
		}
		rec := r.Record()
		switch rec.Op {
		case changeset.OpDelete:
			if id, ok := registryClassID(rec.Old); ok {
				m.RemoveClass(id)
			}
		case changeset.OpInsert:
			if c, ok := registryClass(rec.New); ok {
				m.AddClass(c)
			}
		case changeset.OpUpdate:
			// A registry update rewires a class in place; reregister it.
			if c, ok := registryClass(rec.New); ok {
				m.AddClass(c)
			}
		}
	}
	r.Reset()
	return m.CheckIntegrity()
}

func registryClassID(side map[string]changeset.Value) (ecschema.ClassID, bool) {
	v, ok := side[ecschema.ClassRegistryIDColumn]
	if !ok {
		return 0, false
	}
	i, ok := v.Integer()
	if !ok {
		return 0, false
	}
	return ecschema.ClassID(i), true
}

func registryClass(side map[string]changeset.Value) (ecschema.Class, bool) {
	id, ok := registryClassID(side)
	if !ok {
		return ecschema.Class{}, false
	}
	c := ecschema.Class{ID: id}
	if v, ok := side[ecschema.ClassRegistryNameColumn]; ok {
		c.FullName, _ = v.Text()
	}
	if v, ok := side[ecschema.ClassRegistryBaseColumn]; ok {
		if base, isInt := v.Integer(); isInt {
			c.Base = ecschema.ClassID(base)
		}
	}
	return c, true
}
