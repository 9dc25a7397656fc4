package ecschema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// ErrReferentialIntegrity indicates a class-hierarchy cache entry that
// refers to a class no longer present in the schema. It must be resolved
// (by purging) before the enclosing commit; otherwise the commit fails
// rather than writing an inconsistent database.
var ErrReferentialIntegrity = errors.New("class hierarchy referential integrity violation")

// ClassID identifies a logical class.
type ClassID uint64

// ParseClassID parses a class id in 0x-prefixed hex or decimal form.
func ParseClassID(s string) (ClassID, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), hexOrDec(s), 64)
	if err != nil {
		return 0, fmt.Errorf("ecschema: bad class id %q: %w", s, err)
	}
	return ClassID(v), nil
}

func hexOrDec(s string) int {
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return 16
	}
	return 10
}

// String renders the id in the canonical 0x-prefixed hex form.
func (id ClassID) String() string { return "0x" + strconv.FormatUint(uint64(id), 16) }

// Role describes a table's part in a class's vertical partitioning.
type Role int

const (
	// RolePrimary is the class's own table.
	RolePrimary Role = iota
	// RoleBase is a table inherited from a base class.
	RoleBase
	// RoleOverflow holds spillover columns for a class whose properties
	// exceed one table's column budget.
	RoleOverflow
)

// TableMapping is one table's contribution to a class: which columns of the
// table carry which of the class's properties, and how the class id is
// resolved for rows of that table.
type TableMapping struct {
	Table string
	Role  Role

	// ClassIDColumn names the column carrying the authoritative class id,
	// if the table has one.
	ClassIDColumn string

	// ExclusiveRootClassID is set for tables dedicated to a single class
	// (the common case for overflow tables).
	ExclusiveRootClassID ClassID

	// Properties maps physical column names to logical property names.
	Properties map[string]string
}

// Class is one logical class with its ordered table list. The union of the
// table list covers every property of the class; exactly one contributing
// table carries the authoritative class id under normal conditions.
type Class struct {
	ID       ClassID
	FullName string
	Base     ClassID
	Tables   []TableMapping
}

// TableInfo is the per-table metadata the instance adaptor needs: class-id
// resolution rules plus the recovery fallback.
type TableInfo struct {
	Name                 string
	ClassIDColumn        string
	ExclusiveRootClassID ClassID

	// FallbackClassID is the best last-known class id recorded for the
	// table, used when the root-class marker itself is missing.
	FallbackClassID ClassID

	// InstanceIDColumn is the column carrying the instance id.
	InstanceIDColumn string
}

// hierarchyCacheSize bounds the derived-classes cache per mapper.
const hierarchyCacheSize = 512

// Mapper answers schema-mapping queries for one connection. It replaces any
// process-wide schema registry: each connection owns its own instance.
type Mapper struct {
	schemaGeneration uint64
	byID             map[ClassID]*Class
	byName           map[string]*Class
	tables           map[string]*TableInfo
	hier             *lru.Cache[ClassID, []ClassID]
}

// NewMapper builds a mapper from class definitions and optional per-table
// overrides (fallback ids, instance-id columns).
func NewMapper(schemaGeneration uint64, classes []Class, tables []TableInfo) (*Mapper, error) {
	hier, err := lru.New[ClassID, []ClassID](hierarchyCacheSize)
	if err != nil {
		return nil, err
	}
	m := &Mapper{
		schemaGeneration: schemaGeneration,
		byID:             map[ClassID]*Class{},
		byName:           map[string]*Class{},
		tables:           map[string]*TableInfo{},
		hier:             hier,
	}
	for i := range classes {
		c := classes[i]
		if _, dup := m.byID[c.ID]; dup {
			return nil, fmt.Errorf("ecschema: duplicate class id %s", c.ID)
		}
		m.byID[c.ID] = &c
		m.byName[c.FullName] = &c
		for _, tm := range c.Tables {
			ti := m.tables[tm.Table]
			if ti == nil {
				ti = &TableInfo{Name: tm.Table, InstanceIDColumn: "Id"}
				m.tables[tm.Table] = ti
			}
			if tm.ClassIDColumn != "" {
				ti.ClassIDColumn = tm.ClassIDColumn
			}
			if tm.ExclusiveRootClassID != 0 {
				ti.ExclusiveRootClassID = tm.ExclusiveRootClassID
			}
		}
	}
	for _, t := range tables {
		ti := m.tables[t.Name]
		if ti == nil {
			ti = &TableInfo{Name: t.Name, InstanceIDColumn: "Id"}
			m.tables[t.Name] = ti
		}
		if t.ClassIDColumn != "" {
			ti.ClassIDColumn = t.ClassIDColumn
		}
		if t.ExclusiveRootClassID != 0 {
			ti.ExclusiveRootClassID = t.ExclusiveRootClassID
		}
		if t.FallbackClassID != 0 {
			ti.FallbackClassID = t.FallbackClassID
		}
		if t.InstanceIDColumn != "" {
			ti.InstanceIDColumn = t.InstanceIDColumn
		}
	}
	return m, nil
}

// SchemaGeneration returns the schema generation this mapper describes.
func (m *Mapper) SchemaGeneration() uint64 { return m.schemaGeneration }

// Class returns the class with the given id.
func (m *Mapper) Class(id ClassID) (*Class, bool) {
	c, ok := m.byID[id]
	return c, ok
}

// ClassByName returns the class with the given full name.
func (m *Mapper) ClassByName(fullName string) (*Class, bool) {
	c, ok := m.byName[fullName]
	return c, ok
}

// MapClass resolves a class id to its full name.
func (m *Mapper) MapClass(id ClassID) (string, bool) {
	c, ok := m.byID[id]
	if !ok {
		return "", false
	}
	return c.FullName, true
}

// TablesFor returns the ordered table mappings of the named class.
func (m *Mapper) TablesFor(fullName string) []TableMapping {
	c, ok := m.byName[fullName]
	if !ok {
		return nil
	}
	return c.Tables
}

// FallbackClassID returns the last-known class id recorded for table, 0 if
// none was recorded.
func (m *Mapper) FallbackClassID(table string) ClassID {
	ti, ok := m.tables[table]
	if !ok {
		return 0
	}
	return ti.FallbackClassID
}

// TableInfo returns the per-table metadata for table, or false if the table
// is not part of any class mapping.
func (m *Mapper) TableInfo(table string) (*TableInfo, bool) {
	ti, ok := m.tables[table]
	return ti, ok
}

// PropertiesFor returns the column-to-property mapping that class classID
// uses for table, or nil if neither the class nor any of its ancestors
// touches the table. Inherited tables carry their property maps on the
// ancestor that owns them, so the base chain is walked and unioned; the
// nearest class wins on a duplicate column.
func (m *Mapper) PropertiesFor(classID ClassID, table string) map[string]string {
	var out map[string]string
	for id := classID; id != 0; {
		c, ok := m.byID[id]
		if !ok {
			break
		}
		for _, tm := range c.Tables {
			if tm.Table != table {
				continue
			}
			for col, prop := range tm.Properties {
				if out == nil {
					out = map[string]string{}
				}
				if _, dup := out[col]; !dup {
					out[col] = prop
				}
			}
		}
		id = c.Base
	}
	return out
}

// IsSubclassOf reports whether id equals ancestor or derives from it.
func (m *Mapper) IsSubclassOf(id, ancestor ClassID) bool {
	for id != 0 {
		if id == ancestor {
			return true
		}
		c, ok := m.byID[id]
		if !ok {
			return false
		}
		id = c.Base
	}
	return false
}

// DerivedClasses returns root and every class derived from it, in id
// order. Results are memoized in the hierarchy cache; RemoveClass and
// AddClass invalidate affected entries.
func (m *Mapper) DerivedClasses(root ClassID) []ClassID {
	if cached, ok := m.hier.Get(root); ok {
		return cached
	}
	var out []ClassID
	for id := range m.byID {
		if m.IsSubclassOf(id, root) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	m.hier.Add(root, out)
	return out
}

// PurgeClass drops hierarchy-cache entries that mention id: the entry keyed
// by id itself and the entries of all its ancestors.
func (m *Mapper) PurgeClass(id ClassID) {
	m.hier.Remove(id)
	c, ok := m.byID[id]
	for ok && c.Base != 0 {
		m.hier.Remove(c.Base)
		c, ok = m.byID[c.Base]
	}
	// The class may already be gone from the schema; sweep any remaining
	// cached entry that still lists it.
	for _, key := range m.hier.Keys() {
		derived, ok := m.hier.Peek(key)
		if !ok {
			continue
		}
		for _, d := range derived {
			if d == id {
				m.hier.Remove(key)
				break
			}
		}
	}
}

// RemoveClass removes a class from the schema (a class deletion applied by
// a schema changeset) and purges the hierarchy cache consistently.
func (m *Mapper) RemoveClass(id ClassID) {
	c, ok := m.byID[id]
	if ok {
		delete(m.byName, c.FullName)
		delete(m.byID, id)
	}
	m.PurgeClass(id)
}

// AddClass registers a class (a class restored by reverting its deletion)
// and invalidates the cache entries its arrival changes.
func (m *Mapper) AddClass(c Class) {
	cc := c
	m.byID[c.ID] = &cc
	m.byName[c.FullName] = &cc
	m.PurgeClass(c.ID)
}

// CheckIntegrity verifies that every hierarchy-cache entry refers only to
// classes still present in the schema. A dangling entry surfaces
// ErrReferentialIntegrity; callers must purge before committing.
func (m *Mapper) CheckIntegrity() error {
	for _, key := range m.hier.Keys() {
		if _, ok := m.byID[key]; !ok {
			return errors.Wrapf(ErrReferentialIntegrity, "cached hierarchy for removed class %s", key)
		}
		derived, ok := m.hier.Peek(key)
		if !ok {
			continue
		}
		for _, d := range derived {
			if _, ok := m.byID[d]; !ok {
				return errors.Wrapf(ErrReferentialIntegrity, "hierarchy of %s lists removed class %s", key, d)
			}
		}
	}
	return nil
}
