package changeset

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind enumerates the storage classes a changeset value can carry.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

// Value is a single column value inside a change record. It is a tagged
// union over the SQLite storage classes; the zero Value is NULL.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    []byte
}

// NullValue returns the NULL value.
func NullValue() Value { return Value{} }

// IntegerValue returns an integer value.
func IntegerValue(i int64) Value { return Value{kind: KindInteger, i: i} }

// RealValue returns a floating-point value.
func RealValue(f float64) Value { return Value{kind: KindReal, f: f} }

// TextValue returns a text value.
func TextValue(s string) Value { return Value{kind: KindText, s: s} }

// BlobValue returns a blob value. The slice is not copied.
func BlobValue(b []byte) Value { return Value{kind: KindBlob, b: b} }

// Kind reports the storage class of v.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Integer returns the integer payload; ok is false for other kinds.
func (v Value) Integer() (int64, bool) { return v.i, v.kind == KindInteger }

// Real returns the floating-point payload; ok is false for other kinds.
func (v Value) Real() (float64, bool) { return v.f, v.kind == KindReal }

// Text returns the text payload; ok is false for other kinds.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindText }

// Blob returns the blob payload; ok is false for other kinds.
func (v Value) Blob() ([]byte, bool) { return v.b, v.kind == KindBlob }

// Any converts v into a driver-friendly Go value (nil, int64, float64,
// string or []byte) for use as a database/sql argument.
func (v Value) Any() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return v.s
	case KindBlob:
		return v.b
	default:
		return nil
	}
}

// FromAny builds a Value from a value scanned out of database/sql.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return NullValue(), nil
	case int64:
		return IntegerValue(t), nil
	case int:
		return IntegerValue(int64(t)), nil
	case float64:
		return RealValue(t), nil
	case string:
		return TextValue(t), nil
	case []byte:
		return BlobValue(append([]byte(nil), t...)), nil
	case bool:
		if t {
			return IntegerValue(1), nil
		}
		return IntegerValue(0), nil
	default:
		return Value{}, fmt.Errorf("changeset: unsupported value type %T", x)
	}
}

// Equal reports whether v and o carry the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.i == o.i
	case KindReal:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBlob:
		return bytes.Equal(v.b, o.b)
	default:
		return true
	}
}

// String renders v for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.s)
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.b)
	default:
		return "NULL"
	}
}

type jsonValue struct {
	Kind string   `json:"t"`
	Int  *int64   `json:"i,omitempty"`
	Real *float64 `json:"r,omitempty"`
	Text *string  `json:"s,omitempty"`
	Blob string   `json:"b,omitempty"`
}

// MarshalJSON encodes v as a tagged JSON object. Blobs are base64-encoded.
func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{}
	switch v.kind {
	case KindNull:
		jv.Kind = "null"
	case KindInteger:
		jv.Kind = "int"
		jv.Int = &v.i
	case KindReal:
		jv.Kind = "real"
		jv.Real = &v.f
	case KindText:
		jv.Kind = "text"
		jv.Text = &v.s
	case KindBlob:
		jv.Kind = "blob"
		jv.Blob = base64.StdEncoding.EncodeToString(v.b)
	}
	return json.Marshal(jv)
}

// UnmarshalJSON decodes the tagged JSON form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.Kind {
	case "null", "":
		*v = NullValue()
	case "int":
		if jv.Int == nil {
			return fmt.Errorf("changeset: int value without payload")
		}
		*v = IntegerValue(*jv.Int)
	case "real":
		if jv.Real == nil {
			return fmt.Errorf("changeset: real value without payload")
		}
		*v = RealValue(*jv.Real)
	case "text":
		if jv.Text == nil {
			return fmt.Errorf("changeset: text value without payload")
		}
		*v = TextValue(*jv.Text)
	case "blob":
		b, err := base64.StdEncoding.DecodeString(jv.Blob)
		if err != nil {
			return fmt.Errorf("changeset: bad blob payload: %w", err)
		}
		*v = BlobValue(b)
	default:
		return fmt.Errorf("changeset: unknown value kind %q", jv.Kind)
	}
	return nil
}
