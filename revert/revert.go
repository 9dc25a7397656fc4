package revert

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
	"github.com/ehtick/itwinjs-core-sub000/ecschema"
	"github.com/ehtick/itwinjs-core-sub000/engine"
)

// Engine reverts changeset ranges on one briefcase. Dir is the local
// directory holding the timeline's changeset files, named "<id>.cs"; the
// push/pull layer that populates it is an external collaborator.
type Engine struct {
	conn   *engine.Connection
	mapper *ecschema.Mapper
	dir    string
	log    *logrus.Logger
}

// NewEngine returns a revert engine over conn. A nil logger uses the
// connection's logger.
func NewEngine(conn *engine.Connection, mapper *ecschema.Mapper, dir string, log *logrus.Logger) *Engine {
	if log == nil {
		log = conn.Logger()
	}
	return &Engine{conn: conn, mapper: mapper, dir: dir, log: log}
}

// Options selects what to revert.
type Options struct {
	// ToIndex is the timeline position to revert to: every changeset after
	// it (exclusive of ToIndex, inclusive of tip) is undone.
	ToIndex int64

	// Description annotates the pushed revert changeset.
	Description string

	// SkipSchemaChanges excludes schema-kind changesets from the reverted
	// range, leaving the current schema untouched.
	SkipSchemaChanges bool
}

// ChangesetPath returns the local file path for a changeset id.
func (e *Engine) ChangesetPath(id string) string {
	return filepath.Join(e.dir, id+".cs")
}

// RevertAndPushChanges squashes the range after opts.ToIndex, inverts the
// net records, and appends the inversion as a brand-new forward changeset
// at the tip, applying it to the briefcase in the same transaction as the
// timeline append. Reverting the revert (to a later index) reinstates the
// previously reverted content.
func (e *Engine) RevertAndPushChanges(ctx context.Context, opts Options) (engine.ChangesetDescriptor, error) {
	var desc engine.ChangesetDescriptor

	timeline, err := e.conn.Timeline(ctx)
	if err != nil {
		return desc, err
	}
	if len(timeline) == 0 {
		return desc, errors.New("revert: empty timeline")
	}
	tip := timeline[len(timeline)-1]
	if opts.ToIndex < 0 || opts.ToIndex >= tip.Index {
		return desc, errors.Errorf("revert: index %d does not precede tip %d", opts.ToIndex, tip.Index)
	}

	var paths []string
	includedSchema := false
	for _, d := range timeline {
		if d.Index <= opts.ToIndex {
			continue
		}
		if opts.SkipSchemaChanges && d.Type != engine.TypeRegular {
			continue
		}
		if d.Type != engine.TypeRegular {
			includedSchema = true
		}
		paths = append(paths, e.ChangesetPath(d.ID))
	}
	if len(paths) == 0 {
		return desc, errors.Errorf("revert: nothing to revert after index %d", opts.ToIndex)
	}

	// The range predates the current schema by construction; the schema
	// check is for incoming pulls, not historical inspection.
	r, err := changeset.OpenGroup(ctx, paths, e.conn, changeset.Options{
		DisableSchemaCheck: true,
		Logger:             e.log,
	})
	if err != nil {
		return desc, err
	}
	defer r.Close()

	r.Invert()

	// Class removals (and restorations) in the inverted content must purge
	// the hierarchy cache before the commit; a dangling entry fails the
	// operation instead of writing an inconsistent database.
	if err := SyncSchemaCaches(r, e.mapper); err != nil {
		return desc, err
	}

	id := uuid.NewString()
	path := e.ChangesetPath(id)
	if err := r.WriteToFile(path, includedSchema, false); err != nil {
		return desc, err
	}
	info, err := changeset.Stat(path)
	if err != nil {
		return desc, err
	}

	description := opts.Description
	if description == "" {
		description = "Reverted changes"
	}
	kind := engine.TypeRegular
	if includedSchema {
		kind = engine.TypeSchema
	}
	desc = engine.ChangesetDescriptor{
		Index:            tip.Index + 1,
		ID:               id,
		ParentID:         tip.ID,
		Description:      description,
		PushDate:         time.Now().UTC(),
		Type:             kind,
		Size:             info.Size,
		UncompressedSize: info.UncompressedSize,
	}
	if err := e.conn.ApplyAndRecord(ctx, r, desc); err != nil {
		// The apply rolled back; the changeset never landed, so its file
		// must not linger in the timeline directory.
		_ = os.Remove(path)
		return engine.ChangesetDescriptor{}, err
	}
	e.log.WithFields(logrus.Fields{
		"toIndex":   opts.ToIndex,
		"changeset": id,
		"index":     desc.Index,
	}).Info("reverted changes pushed as new changeset")
	return desc, nil
}
