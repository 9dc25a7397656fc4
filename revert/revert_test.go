package revert_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
	"github.com/ehtick/itwinjs-core-sub000/ecschema"
	"github.com/ehtick/itwinjs-core-sub000/engine"
	"github.com/ehtick/itwinjs-core-sub000/revert"
)

type fixture struct {
	conn   *engine.Connection
	mapper *ecschema.Mapper
	dir    string
	eng    *revert.Engine
}

func newBriefcase(t *testing.T) *engine.Connection {
	t.Helper()
	ctx := context.Background()

	log := logrus.New()
	log.SetOutput(io.Discard)
	conn, err := engine.OpenBriefcase(ctx, ":memory:", engine.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.DB().ExecContext(ctx,
		`CREATE TABLE bis_Element (Id INTEGER PRIMARY KEY, ECClassId INTEGER, CodeValue TEXT)`)
	require.NoError(t, err)
	_, err = conn.DB().ExecContext(ctx,
		`CREATE TABLE `+ecschema.ClassRegistryTable+` (Id INTEGER PRIMARY KEY, Name TEXT, BaseId INTEGER)`)
	require.NoError(t, err)
	return conn
}

func newTestMapper(t *testing.T) *ecschema.Mapper {
	t.Helper()
	m, err := ecschema.NewMapper(1, []ecschema.Class{
		{
			ID:       0x100,
			FullName: "BisCore.Element",
			Tables: []ecschema.TableMapping{{
				Table:         "bis_Element",
				Role:          ecschema.RolePrimary,
				ClassIDColumn: "ECClassId",
				Properties:    map[string]string{"CodeValue": "codeValue"},
			}},
		},
		{ID: 0x200, FullName: "Test.Widget", Base: 0x100},
	}, nil)
	require.NoError(t, err)
	return m
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := newBriefcase(t)
	mapper := newTestMapper(t)
	dir := t.TempDir()
	return &fixture{
		conn:   conn,
		mapper: mapper,
		dir:    dir,
		eng:    revert.NewEngine(conn, mapper, dir, conn.Logger()),
	}
}

// pullInto replays one changeset file onto another briefcase, syncing its
// mapper the way any applying connection must.
func pullInto(t *testing.T, conn *engine.Connection, m *ecschema.Mapper, path string, d engine.ChangesetDescriptor) {
	t.Helper()
	ctx := context.Background()
	r, err := changeset.OpenFile(ctx, path, conn, changeset.Options{})
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, revert.SyncSchemaCaches(r, m))
	require.NoError(t, conn.ApplyAndRecord(ctx, r, d))
}

// push writes a changeset file under the timeline directory and applies it
// with its descriptor, the way a pull from the hub would.
func (f *fixture) push(t *testing.T, index int64, id, parentID string, kind engine.ChangesetType, build func(*changeset.Builder)) {
	t.Helper()
	ctx := context.Background()

	b := changeset.NewBuilder(1)
	build(b)
	path := f.eng.ChangesetPath(id)
	require.NoError(t, b.WriteToFile(path, kind != engine.TypeRegular, false))

	info, err := changeset.Stat(path)
	require.NoError(t, err)

	r, err := changeset.OpenFile(ctx, path, f.conn, changeset.Options{})
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, f.conn.ApplyAndRecord(ctx, r, engine.ChangesetDescriptor{
		Index:            index,
		ID:               id,
		ParentID:         parentID,
		PushDate:         time.Now(),
		Type:             kind,
		Size:             info.Size,
		UncompressedSize: info.UncompressedSize,
	}))
}

func (f *fixture) codeValue(t *testing.T, id int64) (string, bool) {
	t.Helper()
	var code string
	err := f.conn.DB().QueryRowContext(context.Background(),
		`SELECT CodeValue FROM bis_Element WHERE Id = ?`, id).Scan(&code)
	if err != nil {
		return "", false
	}
	return code, true
}

func TestRevertAndReinstate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.push(t, 1, "cs-1", "", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "ECClassId", "CodeValue"}, "Id")
		b.Insert("bis_Element", map[string]changeset.Value{
			"Id": changeset.IntegerValue(1), "ECClassId": changeset.IntegerValue(0x100),
			"CodeValue": changeset.TextValue("v1"),
		})
	})
	f.push(t, 2, "cs-2", "cs-1", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Update("bis_Element",
			map[string]changeset.Value{"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1")},
			map[string]changeset.Value{"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v2")})
	})

	code, ok := f.codeValue(t, 1)
	require.True(t, ok)
	require.Equal(t, "v2", code)

	desc, err := f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), desc.Index)
	assert.Equal(t, "cs-2", desc.ParentID)
	assert.Equal(t, engine.TypeRegular, desc.Type)
	assert.Equal(t, "Reverted changes", desc.Description)

	code, ok = f.codeValue(t, 1)
	require.True(t, ok)
	assert.Equal(t, "v1", code, "revert restored the pre-update value")

	// The revert is itself an ordinary changeset: its file exists and the
	// timeline grew instead of being rewritten.
	_, err = os.Stat(f.eng.ChangesetPath(desc.ID))
	require.NoError(t, err)
	timeline, err := f.conn.Timeline(ctx)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, "cs-1", timeline[0].ID)

	// Reinstating is reverting the revert.
	reinstate, err := f.eng.RevertAndPushChanges(ctx, revert.Options{
		ToIndex:     2,
		Description: "Reinstate the rename",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), reinstate.Index)
	assert.Equal(t, "Reinstate the rename", reinstate.Description)

	code, ok = f.codeValue(t, 1)
	require.True(t, ok)
	assert.Equal(t, "v2", code)
}

func TestRevertToZeroUndoesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.push(t, 1, "cs-1", "", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "ECClassId", "CodeValue"}, "Id")
		b.Insert("bis_Element", map[string]changeset.Value{
			"Id": changeset.IntegerValue(1), "ECClassId": changeset.IntegerValue(0x100),
			"CodeValue": changeset.TextValue("v1"),
		})
	})
	f.push(t, 2, "cs-2", "cs-1", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Update("bis_Element",
			map[string]changeset.Value{"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1")},
			map[string]changeset.Value{"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v2")})
	})

	_, err := f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 0})
	require.NoError(t, err)

	_, ok := f.codeValue(t, 1)
	assert.False(t, ok, "net insert inverted to a delete")
}

func TestRevertValidatesRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 0})
	require.Error(t, err, "empty timeline")

	f.push(t, 1, "cs-1", "", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Insert("bis_Element", map[string]changeset.Value{
			"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1"),
		})
	})

	_, err = f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 1})
	require.Error(t, err, "index at tip leaves nothing to revert")
	_, err = f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: -1})
	require.Error(t, err)
}

func TestRevertSkipsSchemaChangesets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.push(t, 1, "cs-1", "", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Insert("bis_Element", map[string]changeset.Value{
			"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1"),
		})
	})
	f.push(t, 2, "cs-2", "cs-1", engine.TypeSchema, func(b *changeset.Builder) {
		b.Table(ecschema.ClassRegistryTable, []string{"Id", "Name", "BaseId"}, "Id")
		b.Insert(ecschema.ClassRegistryTable, map[string]changeset.Value{
			"Id":     changeset.IntegerValue(0x300),
			"Name":   changeset.TextValue("Test.Gadget"),
			"BaseId": changeset.IntegerValue(0x100),
		})
	})
	f.push(t, 3, "cs-3", "cs-2", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Update("bis_Element",
			map[string]changeset.Value{"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1")},
			map[string]changeset.Value{"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v2")})
	})

	desc, err := f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 1, SkipSchemaChanges: true})
	require.NoError(t, err)
	assert.Equal(t, engine.TypeRegular, desc.Type)

	code, ok := f.codeValue(t, 1)
	require.True(t, ok)
	assert.Equal(t, "v1", code)

	var n int
	require.NoError(t, f.conn.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM `+ecschema.ClassRegistryTable+` WHERE Id = ?`, 0x300).Scan(&n))
	assert.Equal(t, 1, n, "schema row survives a data-only revert")
}

func TestRevertClassDeletionRestoresMapper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Seed the registry row for the class the mapper already knows, then
	// push its deletion as a schema changeset.
	_, err := f.conn.DB().ExecContext(ctx,
		`INSERT INTO `+ecschema.ClassRegistryTable+`(Id, Name, BaseId) VALUES(?, ?, ?)`,
		0x200, "Test.Widget", 0x100)
	require.NoError(t, err)

	f.push(t, 1, "cs-1", "", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Insert("bis_Element", map[string]changeset.Value{
			"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1"),
		})
	})
	f.push(t, 2, "cs-2", "cs-1", engine.TypeSchema, func(b *changeset.Builder) {
		b.Table(ecschema.ClassRegistryTable, []string{"Id", "Name", "BaseId"}, "Id")
		b.Delete(ecschema.ClassRegistryTable, map[string]changeset.Value{
			"Id":     changeset.IntegerValue(0x200),
			"Name":   changeset.TextValue("Test.Widget"),
			"BaseId": changeset.IntegerValue(0x100),
		})
	})

	// Warm the hierarchy cache, then mirror the forward deletion into the
	// mapper as an applying connection would.
	require.Contains(t, f.mapper.DerivedClasses(0x100), ecschema.ClassID(0x200))
	fwd, err := changeset.OpenFile(ctx, f.eng.ChangesetPath("cs-2"), nil, changeset.Options{})
	require.NoError(t, err)
	require.NoError(t, revert.SyncSchemaCaches(fwd, f.mapper))
	fwd.Close()

	_, ok := f.mapper.Class(0x200)
	require.False(t, ok)
	assert.NotContains(t, f.mapper.DerivedClasses(0x100), ecschema.ClassID(0x200))

	// A second briefcase follows the same timeline with its own mapper.
	peerConn := newBriefcase(t)
	peerMapper := newTestMapper(t)
	_, err = peerConn.DB().ExecContext(ctx,
		`INSERT INTO `+ecschema.ClassRegistryTable+`(Id, Name, BaseId) VALUES(?, ?, ?)`,
		0x200, "Test.Widget", 0x100)
	require.NoError(t, err)
	require.Contains(t, peerMapper.DerivedClasses(0x100), ecschema.ClassID(0x200))

	pullInto(t, peerConn, peerMapper, f.eng.ChangesetPath("cs-1"), engine.ChangesetDescriptor{
		Index: 1, ID: "cs-1", PushDate: time.Now(),
	})
	pullInto(t, peerConn, peerMapper, f.eng.ChangesetPath("cs-2"), engine.ChangesetDescriptor{
		Index: 2, ID: "cs-2", ParentID: "cs-1", PushDate: time.Now(), Type: engine.TypeSchema,
	})
	_, ok = peerMapper.Class(0x200)
	require.False(t, ok, "pulling the deletion drops the class on the peer")
	assert.NoError(t, peerMapper.CheckIntegrity())

	// Reverting the deletion restores the class and its hierarchy entry.
	desc, err := f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, engine.TypeSchema, desc.Type)

	c, ok := f.mapper.Class(0x200)
	require.True(t, ok)
	assert.Equal(t, "Test.Widget", c.FullName)
	assert.Equal(t, ecschema.ClassID(0x100), c.Base)
	assert.Contains(t, f.mapper.DerivedClasses(0x100), ecschema.ClassID(0x200))
	assert.NoError(t, f.mapper.CheckIntegrity())

	var n int
	require.NoError(t, f.conn.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM `+ecschema.ClassRegistryTable+` WHERE Id = ?`, 0x200).Scan(&n))
	assert.Equal(t, 1, n)

	// The peer pulls the revert changeset; its mapper and cache come back
	// in line without any dangling hierarchy entry.
	pullInto(t, peerConn, peerMapper, f.eng.ChangesetPath(desc.ID), desc)
	c, ok = peerMapper.Class(0x200)
	require.True(t, ok)
	assert.Equal(t, "Test.Widget", c.FullName)
	assert.Contains(t, peerMapper.DerivedClasses(0x100), ecschema.ClassID(0x200))
	assert.NoError(t, peerMapper.CheckIntegrity())

	require.NoError(t, peerConn.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM `+ecschema.ClassRegistryTable+` WHERE Id = ?`, 0x200).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestFailedRevertLeavesNoOrphanFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.push(t, 1, "cs-1", "", engine.TypeRegular, func(b *changeset.Builder) {
		b.Table("bis_Element", []string{"Id", "CodeValue"}, "Id")
		b.Insert("bis_Element", map[string]changeset.Value{
			"Id": changeset.IntegerValue(1), "CodeValue": changeset.TextValue("v1"),
		})
	})

	// Sabotage the apply: the inverted delete has no table to land on.
	_, err := f.conn.DB().ExecContext(ctx, `DROP TABLE bis_Element`)
	require.NoError(t, err)

	_, err = f.eng.RevertAndPushChanges(ctx, revert.Options{ToIndex: 0})
	require.Error(t, err)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"cs-1.cs"}, names, "failed revert must not leave its file behind")
}
