package changeset

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// File layout: a fixed magic, a version byte, a flags byte, the schema
// generation, the uncompressed payload size, the snappy-compressed payload
// and a trailing xxhash64 of the compressed bytes. The payload is a
// sequence of table groups; each group carries the table name, its column
// names, a primary-key bitmask and the change entries (operation code,
// indirect flag, old/new column value arrays).
var fileMagic = [4]byte{'I', 'C', 'H', 'S'}

const codecVersion = 1

const flagSchemaChanges = 0x01

const (
	tagAbsent = iota
	tagNull
	tagInteger
	tagReal
	tagText
	tagBlob
)

type fileHeader struct {
	SchemaGeneration      uint64
	ContainsSchemaChanges bool
	UncompressedSize      uint64
}

func encodeFile(tables []*tableChanges, schemaGen uint64, containsSchemaChanges bool) ([]byte, fileHeader, error) {
	var payload bytes.Buffer
	putUvarint(&payload, uint64(len(tables)))
	for _, t := range tables {
		putString(&payload, t.Name)
		putUvarint(&payload, uint64(len(t.Columns)))
		for _, c := range t.Columns {
			putString(&payload, c)
		}
		payload.Write(packBits(t.PK, len(t.Columns)))
		putUvarint(&payload, uint64(len(t.Rows)))
		for _, r := range t.Rows {
			payload.WriteByte(byte(r.Op))
			if r.Indirect {
				payload.WriteByte(1)
			} else {
				payload.WriteByte(0)
			}
			if r.Op == OpUpdate || r.Op == OpDelete {
				putSide(&payload, t.Columns, r.Old)
			}
			if r.Op == OpInsert || r.Op == OpUpdate {
				putSide(&payload, t.Columns, r.New)
			}
		}
	}

	compressed := snappy.Encode(nil, payload.Bytes())
	hdr := fileHeader{
		SchemaGeneration:      schemaGen,
		ContainsSchemaChanges: containsSchemaChanges,
		UncompressedSize:      uint64(payload.Len()),
	}

	var out bytes.Buffer
	out.Write(fileMagic[:])
	out.WriteByte(codecVersion)
	flags := byte(0)
	if containsSchemaChanges {
		flags |= flagSchemaChanges
	}
	out.WriteByte(flags)
	putUvarint(&out, schemaGen)
	putUvarint(&out, hdr.UncompressedSize)
	putUvarint(&out, uint64(len(compressed)))
	out.Write(compressed)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(compressed))
	out.Write(sum[:])
	return out.Bytes(), hdr, nil
}

func decodeFile(data []byte) ([]*tableChanges, fileHeader, error) {
	d := &decoder{buf: data}
	var hdr fileHeader

	magic := d.bytes(4)
	if d.err != nil || !bytes.Equal(magic, fileMagic[:]) {
		return nil, hdr, errors.Wrap(ErrCorruptChangeset, "bad magic")
	}
	if v := d.byte(); d.err != nil || v != codecVersion {
		return nil, hdr, errors.Wrapf(ErrCorruptChangeset, "unsupported version %d", v)
	}
	flags := d.byte()
	hdr.ContainsSchemaChanges = flags&flagSchemaChanges != 0
	hdr.SchemaGeneration = d.uvarint()
	hdr.UncompressedSize = d.uvarint()
	clen := d.uvarint()
	compressed := d.bytes(int(clen))
	sum := d.bytes(8)
	if d.err != nil {
		return nil, hdr, errors.Wrap(ErrCorruptChangeset, "truncated file")
	}
	if binary.LittleEndian.Uint64(sum) != xxhash.Sum64(compressed) {
		return nil, hdr, errors.Wrap(ErrCorruptChangeset, "checksum mismatch")
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, hdr, errors.Wrap(ErrCorruptChangeset, "snappy decode")
	}
	if uint64(len(payload)) != hdr.UncompressedSize {
		return nil, hdr, errors.Wrap(ErrCorruptChangeset, "payload size mismatch")
	}

	p := &decoder{buf: payload}
	ntables := p.uvarint()
	var tables []*tableChanges
	for i := uint64(0); i < ntables; i++ {
		t := &tableChanges{Name: p.string()}
		ncols := p.uvarint()
		if p.err != nil || ncols > uint64(len(payload)) {
			return nil, hdr, errors.Wrap(ErrCorruptChangeset, "bad column count")
		}
		for j := uint64(0); j < ncols; j++ {
			t.Columns = append(t.Columns, p.string())
		}
		t.PK = unpackBits(p.bytes(bitmaskLen(int(ncols))), int(ncols))
		nrows := p.uvarint()
		if p.err != nil || nrows > uint64(len(payload)) {
			return nil, hdr, errors.Wrap(ErrCorruptChangeset, "bad row count")
		}
		for j := uint64(0); j < nrows; j++ {
			r := rowChange{Op: Op(p.byte()), Indirect: p.byte() != 0}
			switch r.Op {
			case OpInsert, OpUpdate, OpDelete:
			default:
				return nil, hdr, errors.Wrapf(ErrCorruptChangeset, "bad op code %d", r.Op)
			}
			if r.Op == OpUpdate || r.Op == OpDelete {
				r.Old = p.side(int(ncols))
			}
			if r.Op == OpInsert || r.Op == OpUpdate {
				r.New = p.side(int(ncols))
			}
			t.Rows = append(t.Rows, r)
		}
		tables = append(tables, t)
	}
	if p.err != nil {
		return nil, hdr, errors.Wrap(ErrCorruptChangeset, "truncated payload")
	}
	return tables, hdr, nil
}

// FileInfo summarizes a changeset file without decoding its payload rows.
type FileInfo struct {
	Size                  int64
	UncompressedSize      int64
	SchemaGeneration      uint64
	ContainsSchemaChanges bool
}

// Stat reads the header of the changeset file at path.
func Stat(path string) (FileInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileInfo{}, errors.Wrapf(ErrIO, "read %s: %v", path, err)
	}
	_, hdr, err := decodeFile(data)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Size:                  int64(len(data)),
		UncompressedSize:      int64(hdr.UncompressedSize),
		SchemaGeneration:      hdr.SchemaGeneration,
		ContainsSchemaChanges: hdr.ContainsSchemaChanges,
	}, nil
}

func readFile(path string) ([]*tableChanges, fileHeader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileHeader{}, errors.Wrapf(ErrIO, "read %s: %v", path, err)
	}
	return decodeFile(data)
}

// writeFileAtomic serializes tables and writes them to path via a temp file
// and rename so a failed write never leaves a partial changeset behind.
func writeFileAtomic(path string, tables []*tableChanges, schemaGen uint64, containsSchemaChanges, overwrite bool) (fileHeader, int, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fileHeader{}, 0, errors.Wrapf(ErrIO, "%s already exists", path)
		}
	}
	data, hdr, err := encodeFile(tables, schemaGen, containsSchemaChanges)
	if err != nil {
		return hdr, 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cs-*")
	if err != nil {
		return hdr, 0, errors.Wrapf(ErrIO, "create temp: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return hdr, 0, errors.Wrapf(ErrIO, "write %s: %v", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return hdr, 0, errors.Wrapf(ErrIO, "close %s: %v", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return hdr, 0, errors.Wrapf(ErrIO, "rename to %s: %v", path, err)
	}
	return hdr, len(data), nil
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func putSide(buf *bytes.Buffer, cols []string, side []*Value) {
	for i := range cols {
		if i >= len(side) || side[i] == nil {
			buf.WriteByte(tagAbsent)
			continue
		}
		v := *side[i]
		switch v.Kind() {
		case KindNull:
			buf.WriteByte(tagNull)
		case KindInteger:
			buf.WriteByte(tagInteger)
			i64, _ := v.Integer()
			var tmp [binary.MaxVarintLen64]byte
			n := binary.PutVarint(tmp[:], i64)
			buf.Write(tmp[:n])
		case KindReal:
			buf.WriteByte(tagReal)
			var tmp [8]byte
			f, _ := v.Real()
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
			buf.Write(tmp[:])
		case KindText:
			buf.WriteByte(tagText)
			s, _ := v.Text()
			putString(buf, s)
		case KindBlob:
			buf.WriteByte(tagBlob)
			b, _ := v.Blob()
			putUvarint(buf, uint64(len(b)))
			buf.Write(b)
		}
	}
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrCorruptChangeset
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || d.pos >= len(d.buf) {
		d.fail()
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil || n < 0 || d.pos+n > len(d.buf) {
		d.fail()
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.fail()
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf[d.pos:])
	if n <= 0 {
		d.fail()
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) string() string {
	n := d.uvarint()
	return string(d.bytes(int(n)))
}

func (d *decoder) side(ncols int) []*Value {
	side := make([]*Value, ncols)
	for i := 0; i < ncols; i++ {
		switch d.byte() {
		case tagAbsent:
		case tagNull:
			v := NullValue()
			side[i] = &v
		case tagInteger:
			v := IntegerValue(d.varint())
			side[i] = &v
		case tagReal:
			raw := d.bytes(8)
			if d.err != nil {
				return side
			}
			v := RealValue(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
			side[i] = &v
		case tagText:
			v := TextValue(d.string())
			side[i] = &v
		case tagBlob:
			n := d.uvarint()
			v := BlobValue(append([]byte(nil), d.bytes(int(n))...))
			side[i] = &v
		default:
			d.fail()
		}
		if d.err != nil {
			return side
		}
	}
	return side
}

func bitmaskLen(n int) int { return (n + 7) / 8 }

func packBits(bits []bool, n int) []byte {
	out := make([]byte, bitmaskLen(n))
	for i := 0; i < n && i < len(bits); i++ {
		if bits[i] {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(b []byte, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		if i/8 < len(b) && b[i/8]&(1<<uint(i%8)) != 0 {
			out[i] = true
		}
	}
	return out
}
