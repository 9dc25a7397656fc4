package changeset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const elemTable = "bis_Element"

var elemColumns = []string{"Id", "ECClassId", "s"}

func writeChangeset(t *testing.T, dir, name string, build func(b *Builder)) string {
	t.Helper()
	b := NewBuilder(1)
	b.Table(elemTable, elemColumns, "Id")
	build(b)
	path := filepath.Join(dir, name)
	require.NoError(t, b.WriteToFile(path, false, false))
	return path
}

func openGroup(t *testing.T, paths ...string) *Reader {
	t.Helper()
	r, err := OpenGroup(context.Background(), paths, nil, Options{DisableSchemaCheck: true})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func drain(r *Reader) []*Record {
	var out []*Record
	for r.Step() {
		out = append(out, r.Record())
	}
	return out
}

func TestSquashInsertUpdateDeleteCancels(t *testing.T) {
	dir := t.TempDir()
	id := IntegerValue(0x20000000004)

	a := writeChangeset(t, dir, "a.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": id, "ECClassId": IntegerValue(0x100), "s": TextValue("original")})
	})
	bPath := writeChangeset(t, dir, "b.cs", func(b *Builder) {
		b.Update(elemTable,
			map[string]Value{"Id": id, "s": TextValue("original")},
			map[string]Value{"Id": id, "s": TextValue("updated property")})
	})
	cPath := writeChangeset(t, dir, "c.cs", func(b *Builder) {
		b.Delete(elemTable, map[string]Value{"Id": id, "s": TextValue("updated property")})
	})

	r := openGroup(t, a, bPath, cPath)
	require.Empty(t, drain(r), "insert+update+delete must cancel out")
	require.Zero(t, r.DroppedRows())
}

func TestSquashInsertThenUpdateFoldsToInsert(t *testing.T) {
	dir := t.TempDir()
	id := IntegerValue(7)

	a := writeChangeset(t, dir, "a.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": id, "ECClassId": IntegerValue(0x100), "s": TextValue("original")})
	})
	bPath := writeChangeset(t, dir, "b.cs", func(b *Builder) {
		b.Update(elemTable,
			map[string]Value{"Id": id, "s": TextValue("original")},
			map[string]Value{"Id": id, "s": TextValue("updated property")})
	})

	recs := drain(openGroup(t, a, bPath))
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, OpInsert, rec.Op)
	require.Nil(t, rec.Old)
	require.True(t, rec.New["s"].Equal(TextValue("updated property")),
		"folded insert must carry the update's new values")
	require.True(t, rec.New["ECClassId"].Equal(IntegerValue(0x100)),
		"columns untouched by the update keep the insert's values")
}

func TestSquashUpdateChainKeepsFirstOldLastNew(t *testing.T) {
	dir := t.TempDir()
	id := IntegerValue(9)

	a := writeChangeset(t, dir, "a.cs", func(b *Builder) {
		b.Update(elemTable,
			map[string]Value{"Id": id, "s": TextValue("v1")},
			map[string]Value{"Id": id, "s": TextValue("v2")})
	})
	bPath := writeChangeset(t, dir, "b.cs", func(b *Builder) {
		b.Update(elemTable,
			map[string]Value{"Id": id, "s": TextValue("v2")},
			map[string]Value{"Id": id, "s": TextValue("v3")})
	})

	recs := drain(openGroup(t, a, bPath))
	require.Len(t, recs, 1)
	require.Equal(t, OpUpdate, recs[0].Op)
	require.True(t, recs[0].Old["s"].Equal(TextValue("v1")))
	require.True(t, recs[0].New["s"].Equal(TextValue("v3")))
}

func TestSquashDeleteThenInsertResurrectsAsUpdate(t *testing.T) {
	dir := t.TempDir()
	id := IntegerValue(11)

	a := writeChangeset(t, dir, "a.cs", func(b *Builder) {
		b.Delete(elemTable, map[string]Value{"Id": id, "s": TextValue("gone")})
	})
	bPath := writeChangeset(t, dir, "b.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": id, "ECClassId": IntegerValue(0x100), "s": TextValue("back")})
	})

	recs := drain(openGroup(t, a, bPath))
	require.Len(t, recs, 1)
	require.Equal(t, OpUpdate, recs[0].Op)
	require.True(t, recs[0].Old["s"].Equal(TextValue("gone")))
	require.True(t, recs[0].New["s"].Equal(TextValue("back")))
}

func TestSquashInvalidPairDropsRowAndContinues(t *testing.T) {
	dir := t.TempDir()

	a := writeChangeset(t, dir, "a.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": IntegerValue(1), "s": TextValue("dup")})
		b.Insert(elemTable, map[string]Value{"Id": IntegerValue(2), "s": TextValue("keep")})
	})
	bPath := writeChangeset(t, dir, "b.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": IntegerValue(1), "s": TextValue("dup again")})
	})

	r := openGroup(t, a, bPath)
	recs := drain(r)
	require.Equal(t, 1, r.DroppedRows(), "double insert must be dropped with a warning")
	require.Len(t, recs, 1, "the rest of the squash proceeds")
	require.True(t, recs[0].New["Id"].Equal(IntegerValue(2)))
}

func TestGroupingIsOrderSensitive(t *testing.T) {
	dir := t.TempDir()
	id := IntegerValue(3)

	ins := writeChangeset(t, dir, "ins.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": id, "s": TextValue("x")})
	})
	del := writeChangeset(t, dir, "del.cs", func(b *Builder) {
		b.Delete(elemTable, map[string]Value{"Id": id, "s": TextValue("x")})
	})

	require.Empty(t, drain(openGroup(t, ins, del)), "insert then delete cancels")

	r := openGroup(t, del, ins)
	recs := drain(r)
	require.Len(t, recs, 1)
	require.Equal(t, OpUpdate, recs[0].Op, "delete then insert resurrects")
}

func TestInvertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := IntegerValue(21)

	path := writeChangeset(t, dir, "a.cs", func(b *Builder) {
		b.Insert(elemTable, map[string]Value{"Id": id, "s": TextValue("a")})
		b.Update(elemTable,
			map[string]Value{"Id": IntegerValue(22), "s": TextValue("before")},
			map[string]Value{"Id": IntegerValue(22), "s": TextValue("after")})
		b.Delete(elemTable, map[string]Value{"Id": IntegerValue(23), "s": TextValue("bye")})
	})

	r, err := OpenFile(context.Background(), path, nil, Options{})
	require.NoError(t, err)
	defer r.Close()

	r.Invert()
	r.Invert()

	byOp := map[Op]*Record{}
	for _, rec := range drain(r) {
		byOp[rec.Op] = rec
	}
	require.Len(t, byOp, 3)
	require.True(t, byOp[OpInsert].New["s"].Equal(TextValue("a")))
	require.True(t, byOp[OpUpdate].Old["s"].Equal(TextValue("before")))
	require.True(t, byOp[OpUpdate].New["s"].Equal(TextValue("after")))
	require.True(t, byOp[OpDelete].Old["s"].Equal(TextValue("bye")))

	r.Invert()
	byOp = map[Op]*Record{}
	for _, rec := range drain(r) {
		byOp[rec.Op] = rec
	}
	require.True(t, byOp[OpDelete].Old["s"].Equal(TextValue("a")), "insert inverts to delete")
	require.True(t, byOp[OpInsert].New["s"].Equal(TextValue("bye")), "delete inverts to insert")
	require.True(t, byOp[OpUpdate].Old["s"].Equal(TextValue("after")), "update swaps sides")
}
