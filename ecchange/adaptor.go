package ecchange

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
	"github.com/ehtick/itwinjs-core-sub000/ecschema"
)

// Adaptor consumes a changeset.Reader and, using the schema mapper, yields
// one physical-table fragment per Step: a change affecting exactly one
// table for exactly one instance. It does not merge fragments of the same
// instance; that is the Accumulator's job. One Update record yields two
// fragments, an Old-stage view and a New-stage view.
type Adaptor struct {
	reader *changeset.Reader
	mapper *ecschema.Mapper
	log    *logrus.Logger

	classFilter     ecschema.ClassID
	classFilterName string
	opFilter        changeset.Op

	pending []*Instance
	cur     *Instance
	closed  bool
}

// NewAdaptor wraps reader with schema-aware instance reconstruction. A nil
// logger uses the logrus standard logger.
func NewAdaptor(reader *changeset.Reader, mapper *ecschema.Mapper, log *logrus.Logger) *Adaptor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adaptor{reader: reader, mapper: mapper, log: log}
}

// AcceptClass restricts output to instances of exactly classFullName and
// its subclasses. The default accepts all classes.
func (a *Adaptor) AcceptClass(classFullName string) error {
	c, ok := a.mapper.ClassByName(classFullName)
	if !ok {
		return fmt.Errorf("ecchange: unknown class %q", classFullName)
	}
	a.classFilter = c.ID
	a.classFilterName = classFullName
	return nil
}

// AcceptOp restricts output to one operation kind. The default accepts all
// operations.
func (a *Adaptor) AcceptOp(op changeset.Op) { a.opFilter = op }

// Step advances to the next fragment; false at end of stream (idempotent).
func (a *Adaptor) Step() bool {
	if a.closed {
		return false
	}
	for {
		if len(a.pending) > 0 {
			a.cur = a.pending[0]
			a.pending = a.pending[1:]
			return true
		}
		if !a.reader.Step() {
			a.cur = nil
			return false
		}
		rec := a.reader.Record()
		if a.opFilter != 0 && rec.Op != a.opFilter {
			continue
		}
		a.pending = a.fragments(rec)
	}
}

// Current returns the fragment the adaptor is positioned on, or nil.
func (a *Adaptor) Current() *Instance { return a.cur }

// Op returns the current fragment's operation.
func (a *Adaptor) Op() changeset.Op {
	if a.cur == nil {
		return 0
	}
	return a.cur.Meta.Op
}

// Inserted reports whether the current fragment is an insert.
func (a *Adaptor) Inserted() bool { return a.Op() == changeset.OpInsert }

// Deleted reports whether the current fragment is a delete.
func (a *Adaptor) Deleted() bool { return a.Op() == changeset.OpDelete }

// Close detaches the adaptor from its reader. It does not close the
// reader, which the caller owns.
func (a *Adaptor) Close() error {
	a.closed = true
	a.cur = nil
	a.pending = nil
	return nil
}

// fragments maps one raw record into zero, one or two instance fragments.
// A single corrupted row degrades gracefully (fallback class, no
// properties) rather than aborting the scan.
func (a *Adaptor) fragments(rec *changeset.Record) []*Instance {
	info, ok := a.mapper.TableInfo(rec.Table)
	if !ok {
		a.log.WithField("table", rec.Table).Debug("skipping unmapped table")
		return nil
	}
	id, ok := a.instanceID(rec, info)
	if !ok {
		a.log.WithFields(logrus.Fields{"table": rec.Table, "seq": rec.SequenceIndex}).
			Warn("record has no usable instance id column")
		return nil
	}

	class, degraded := a.resolveClass(rec, info)
	classID, _ := class.Known()
	if deg, isFallback := class.Fallback(); isFallback {
		classID = deg
	}
	className := classID.String()
	if cls, ok := a.mapper.Class(classID); ok {
		className = cls.FullName
	} else {
		// Even the fallback id is unknown here. The change must still
		// surface, so keep the raw id as the class name and omit
		// properties.
		degraded = true
		class = FallbackClass(classID)
	}
	if a.classFilter != 0 && !a.mapper.IsSubclassOf(classID, a.classFilter) {
		return nil
	}
	if degraded {
		a.log.WithFields(logrus.Fields{
			"table":           rec.Table,
			"instanceId":      id,
			"fallbackClassId": classID.String(),
		}).Warn("unresolvable class id; emitting degraded fragment")
	}

	var props map[string]string
	if !degraded {
		props = a.mapper.PropertiesFor(classID, rec.Table)
	}

	build := func(stage Stage, side map[string]changeset.Value) *Instance {
		inst := &Instance{
			ID:    id,
			Class: class,
			Meta: Meta{
				Tables:        []string{rec.Table},
				Op:            rec.Op,
				ClassFullName: className,
				ChangeIndexes: []int{rec.SequenceIndex},
				Stage:         stage,
			},
		}
		if degraded {
			// Properties of a corrupted table are not guessable; omit them.
			return inst
		}
		inst.Properties = map[string]changeset.Value{}
		for col, v := range side {
			prop, mapped := props[col]
			if !mapped {
				continue
			}
			inst.Properties[prop] = v
		}
		return inst
	}

	switch rec.Op {
	case changeset.OpInsert:
		return []*Instance{build(StageNew, rec.New)}
	case changeset.OpDelete:
		return []*Instance{build(StageOld, rec.Old)}
	case changeset.OpUpdate:
		return []*Instance{build(StageOld, rec.Old), build(StageNew, rec.New)}
	default:
		return nil
	}
}

func (a *Adaptor) instanceID(rec *changeset.Record, info *ecschema.TableInfo) (string, bool) {
	v, ok := sideValue(rec, info.InstanceIDColumn)
	if !ok || v.IsNull() {
		return "", false
	}
	if i, isInt := v.Integer(); isInt {
		return fmt.Sprintf("0x%x", uint64(i)), true
	}
	if s, isText := v.Text(); isText {
		return s, true
	}
	return "", false
}

// resolveClass applies the class-id resolution rules for one record:
// authoritative class-id column first, then the table's exclusive root
// class, then the last-known fallback recorded in table metadata.
func (a *Adaptor) resolveClass(rec *changeset.Record, info *ecschema.TableInfo) (ClassRef, bool) {
	if info.ClassIDColumn != "" {
		if v, ok := sideValue(rec, info.ClassIDColumn); ok && !v.IsNull() {
			if i, isInt := v.Integer(); isInt {
				return KnownClass(ecschema.ClassID(i)), false
			}
		}
	}
	if info.ExclusiveRootClassID != 0 {
		return KnownClass(info.ExclusiveRootClassID), false
	}
	return FallbackClass(info.FallbackClassID), true
}

// sideValue fetches a column from the side that identifies the row: the
// new image for inserts, the old image otherwise, with the other side as
// fallback for partial updates.
func sideValue(rec *changeset.Record, column string) (changeset.Value, bool) {
	first, second := rec.Old, rec.New
	if rec.Op == changeset.OpInsert {
		first, second = rec.New, rec.Old
	}
	if v, ok := first[column]; ok {
		return v, true
	}
	v, ok := second[column]
	return v, ok
}
