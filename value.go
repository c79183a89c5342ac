package raftsql

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Value is one SQL parameter or result cell in the protocol's tagged binary
// format. The zero Value is NULL.
type Value struct {
	tag   uint8
	num   int64
	float float64
	str   string
	blob  []byte
}

func Null() Value           { return Value{tag: TagNull} }
func Integer(v int64) Value { return Value{tag: TagInteger, num: v} }
func Float(v float64) Value { return Value{tag: TagFloat, float: v} }
func Text(v string) Value   { return Value{tag: TagText, str: v} }
func Blob(v []byte) Value   { return Value{tag: TagBlob, blob: v} }

// Boolean is carried on the wire as an integer 0/1 under its own tag.
func Boolean(v bool) Value {
	val := Value{tag: TagBoolean}
	if v {
		val.num = 1
	}
	return val
}

func (v Value) Tag() uint8 {
	if v.tag == 0 {
		return TagNull
	}
	return v.tag
}

func (v Value) IsNull() bool { return v.Tag() == TagNull }

// Interface converts v to its natural Go representation: int64, float64,
// string, []byte, bool or nil.
func (v Value) Interface() interface{} {
	switch v.Tag() {
	case TagInteger:
		return v.num
	case TagFloat:
		return v.float
	case TagText:
		return v.str
	case TagBlob:
		return v.blob
	case TagBoolean:
		return v.num != 0
	}
	return nil
}

// Bind converts a Go value into a protocol Value. Integers map to the
// integer tag, floats keep their exact bit pattern, time.Time is sent as
// RFC 3339 text and decimal.Decimal as exact decimal text, so neither loses
// precision through a float round trip.
func Bind(v interface{}) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case int:
		return Integer(int64(v)), nil
	case int8:
		return Integer(int64(v)), nil
	case int16:
		return Integer(int64(v)), nil
	case int32:
		return Integer(int64(v)), nil
	case int64:
		return Integer(v), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return Value{}, decodingError("uint value %d overflows integer parameter", v)
		}
		return Integer(int64(v)), nil
	case uint8:
		return Integer(int64(v)), nil
	case uint16:
		return Integer(int64(v)), nil
	case uint32:
		return Integer(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, decodingError("uint64 value %d overflows integer parameter", v)
		}
		return Integer(int64(v)), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return Text(v), nil
	case []byte:
		return Blob(v), nil
	case bool:
		return Boolean(v), nil
	case time.Time:
		return Text(v.Format(time.RFC3339Nano)), nil
	case decimal.Decimal:
		return Text(v.String()), nil
	}
	return Value{}, decodingError("unsupported parameter type %T", v)
}

// BindAll converts a slice of Go values into protocol Values.
func BindAll(params []interface{}) ([]Value, error) {
	if len(params) == 0 {
		return nil, nil
	}
	vals := make([]Value, len(params))
	for i, p := range params {
		v, err := Bind(p)
		if err != nil {
			return nil, decodingError("parameter %d: %s", i, err)
		}
		vals[i] = v
	}
	return vals, nil
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, v.Tag())
	switch v.Tag() {
	case TagInteger, TagBoolean:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.num))
	case TagFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.float))
	case TagText:
		buf = appendString(buf, v.str)
	case TagBlob:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.blob)))
		buf = append(buf, v.blob...)
	case TagNull:
	}
	return buf
}

// appendParams packs a parameter sequence in protocol order, each value
// self-describing with its tag.
func appendParams(buf []byte, params []Value) ([]byte, error) {
	if len(params) > math.MaxUint8 {
		return nil, decodingError("too many parameters: %d", len(params))
	}
	buf = append(buf, uint8(len(params)))
	for _, p := range params {
		buf = appendValue(buf, p)
	}
	return buf, nil
}

// decodeValue decodes one tagged value from buf, verifying the tag against
// the declared column tag. col is used only for error reporting.
func decodeValue(buf []byte, declared uint8, col int) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, decodingError("column %d: truncated value", col)
	}
	tag := buf[0]
	if tag != declared && tag != TagNull {
		return Value{}, 0, decodingError("column %d: value tag %d does not match declared tag %d", col, tag, declared)
	}
	rest := buf[1:]
	switch tag {
	case TagNull:
		return Null(), 1, nil
	case TagInteger, TagBoolean:
		if len(rest) < 8 {
			return Value{}, 0, decodingError("column %d: truncated integer", col)
		}
		return Value{tag: tag, num: int64(binary.LittleEndian.Uint64(rest))}, 9, nil
	case TagFloat:
		if len(rest) < 8 {
			return Value{}, 0, decodingError("column %d: truncated float", col)
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(rest))), 9, nil
	case TagText:
		s, n, err := decodeString(rest)
		if err != nil {
			return Value{}, 0, decodingError("column %d: %s", col, err)
		}
		return Text(s), 1 + n, nil
	case TagBlob:
		if len(rest) < 4 {
			return Value{}, 0, decodingError("column %d: truncated blob length", col)
		}
		l := int(binary.LittleEndian.Uint32(rest))
		if len(rest) < 4+l {
			return Value{}, 0, decodingError("column %d: blob length %d exceeds remaining %d bytes", col, l, len(rest)-4)
		}
		b := make([]byte, l)
		copy(b, rest[4:4+l])
		return Blob(b), 5 + l, nil
	}
	return Value{}, 0, decodingError("column %d: unknown value tag %d", col, tag)
}

// decodeRow decodes one result row. Every value's tag must match the
// declared column tag (NULL is allowed anywhere); a mismatch fails with a
// decoding error naming the column, never a truncated or padded value.
func decodeRow(columnTags []uint8, buf []byte) ([]Value, int, error) {
	row := make([]Value, len(columnTags))
	off := 0
	for i, tag := range columnTags {
		v, n, err := decodeValue(buf[off:], tag, i)
		if err != nil {
			return nil, 0, err
		}
		row[i] = v
		off += n
	}
	return row, off, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("truncated string length")
	}
	l := int(binary.LittleEndian.Uint32(buf))
	if len(buf) < 4+l {
		return "", 0, fmt.Errorf("string length %d exceeds remaining %d bytes", l, len(buf)-4)
	}
	return string(buf[4 : 4+l]), 4 + l, nil
}
