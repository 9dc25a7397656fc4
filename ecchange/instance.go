package ecchange

import (
	"encoding/json"
	"fmt"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
	"github.com/ehtick/itwinjs-core-sub000/ecschema"
)

// Stage distinguishes the old-image view of an update from the new-image
// view. Inserts only have a New stage, deletes only an Old stage.
type Stage uint8

const (
	StageOld Stage = iota + 1
	StageNew
)

// String returns the canonical stage name.
func (s Stage) String() string {
	switch s {
	case StageOld:
		return "Old"
	case StageNew:
		return "New"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// ClassRef is either a known class id or, on the corruption-recovery path,
// a fallback id (the best last-known class for the table). The two states
// are mutually exclusive.
type ClassRef struct {
	id       ecschema.ClassID
	fallback bool
}

// KnownClass returns a reference to an authoritatively resolved class id.
func KnownClass(id ecschema.ClassID) ClassRef { return ClassRef{id: id} }

// FallbackClass returns a reference used when the class id could not be
// resolved from the record.
func FallbackClass(id ecschema.ClassID) ClassRef { return ClassRef{id: id, fallback: true} }

// Known returns the class id if it was authoritatively resolved.
func (c ClassRef) Known() (ecschema.ClassID, bool) {
	if c.fallback {
		return 0, false
	}
	return c.id, c.id != 0
}

// Fallback returns the fallback class id if the reference is degraded.
func (c ClassRef) Fallback() (ecschema.ClassID, bool) {
	if !c.fallback {
		return 0, false
	}
	return c.id, true
}

type classRefJSON struct {
	ID       string `json:"id"`
	Fallback bool   `json:"fallback,omitempty"`
}

// MarshalJSON encodes the reference for cache spill.
func (c ClassRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(classRefJSON{ID: c.id.String(), Fallback: c.fallback})
}

// UnmarshalJSON decodes the cache-spill form.
func (c *ClassRef) UnmarshalJSON(data []byte) error {
	var j classRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	id, err := ecschema.ParseClassID(j.ID)
	if err != nil {
		return err
	}
	c.id = id
	c.fallback = j.Fallback
	return nil
}

// Meta carries the provenance of an instance change: which tables
// contributed, which record indexes, the operation, the resolved class name
// and the stage.
type Meta struct {
	Tables        []string     `json:"tables"`
	Op            changeset.Op `json:"op"`
	ClassFullName string       `json:"classFullName"`
	ChangeIndexes []int        `json:"changeIndexes"`
	Stage         Stage        `json:"stage"`
}

// Instance is one logical instance's change, or a fragment of one before
// unification. Two instances with the same (ID, Stage) are fragments
// destined to merge. Properties are absent for tables hit by the
// corruption-recovery fallback path.
type Instance struct {
	ID         string                     `json:"id"`
	Class      ClassRef                   `json:"class"`
	Properties map[string]changeset.Value `json:"properties,omitempty"`
	Meta       Meta                       `json:"meta"`
}

// Key identifies the unification bucket an instance fragment belongs to.
type Key struct {
	InstanceID string
	Stage      Stage
}

// Key returns the instance's unification key.
func (i *Instance) Key() Key { return Key{InstanceID: i.ID, Stage: i.Meta.Stage} }
