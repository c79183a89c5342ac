package raftsql

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gotest.tools/assert"
)

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Integer(0),
		Integer(-1),
		Integer(math.MaxInt64),
		Integer(math.MinInt64),
		Float(0),
		Float(math.Pi),
		Float(math.SmallestNonzeroFloat64),
		Float(-math.MaxFloat64),
		Text(""),
		Text("héllo wörld"),
		Blob([]byte{}),
		Blob([]byte{0, 1, 2, 255}),
		Boolean(true),
		Boolean(false),
	}

	for _, want := range values {
		buf := appendValue(nil, want)
		got, n, err := decodeValue(buf, want.Tag(), 0)
		assert.NilError(t, err)
		assert.Equal(t, n, len(buf))
		assert.Equal(t, got.Tag(), want.Tag())
		assert.DeepEqual(t, got.Interface(), want.Interface())
	}
}

func TestValueFloatExact(t *testing.T) {
	// The float must survive bit-exactly, not through a textual form.
	want := math.Nextafter(1, 2)
	buf := appendValue(nil, Float(want))
	got, _, err := decodeValue(buf, TagFloat, 0)
	assert.NilError(t, err)
	assert.Equal(t, got.Interface().(float64), want)
}

func TestRowRoundTrip(t *testing.T) {
	tags := []uint8{TagInteger, TagText, TagFloat, TagBlob, TagBoolean, TagInteger}
	row := []Value{
		Integer(123),
		Text("abc"),
		Float(2.5),
		Blob([]byte("blob")),
		Boolean(true),
		Null(), // NULL is legal under any declared tag
	}

	var buf []byte
	for _, v := range row {
		buf = appendValue(buf, v)
	}
	got, n, err := decodeRow(tags, buf)
	assert.NilError(t, err)
	assert.Equal(t, n, len(buf))
	assert.Equal(t, len(got), len(row))
	for i := range row {
		assert.DeepEqual(t, got[i].Interface(), row[i].Interface())
	}
}

func TestRowTagMismatch(t *testing.T) {
	buf := appendValue(nil, Integer(1))
	buf = appendValue(buf, Text("oops"))

	_, _, err := decodeRow([]uint8{TagInteger, TagFloat}, buf)
	cliErr, ok := err.(ClientError)
	assert.Assert(t, ok, "expected ClientError, got %T", err)
	assert.Equal(t, cliErr.Code, uint32(ErrDecoding))
	assert.Assert(t, strings.Contains(cliErr.Msg, "column 1"), "error must name the column: %s", cliErr.Msg)
}

func TestRowTruncated(t *testing.T) {
	buf := appendValue(nil, Text("full value"))
	for i := 0; i < len(buf); i++ {
		_, _, err := decodeRow([]uint8{TagText}, buf[:i])
		assert.Assert(t, err != nil, "prefix of %d bytes must not decode", i)
	}
}

func TestBindConversions(t *testing.T) {
	cases := []struct {
		in   interface{}
		tag  uint8
		want interface{}
	}{
		{nil, TagNull, nil},
		{int(7), TagInteger, int64(7)},
		{int64(-9), TagInteger, int64(-9)},
		{uint32(8), TagInteger, int64(8)},
		{3.25, TagFloat, 3.25},
		{float32(0.5), TagFloat, 0.5},
		{"text", TagText, "text"},
		{[]byte{1}, TagBlob, []byte{1}},
		{true, TagBoolean, true},
		{decimal.RequireFromString("123.4500000000000001"), TagText, "123.4500000000000001"},
	}
	for _, c := range cases {
		v, err := Bind(c.in)
		assert.NilError(t, err)
		assert.Equal(t, v.Tag(), c.tag)
		assert.DeepEqual(t, v.Interface(), c.want)
	}
}

func TestBindTime(t *testing.T) {
	ts := time.Date(2024, 5, 17, 10, 30, 0, 123456789, time.UTC)
	v, err := Bind(ts)
	assert.NilError(t, err)
	assert.Equal(t, v.Tag(), TagText)

	parsed, err := time.Parse(time.RFC3339Nano, v.Interface().(string))
	assert.NilError(t, err)
	assert.Assert(t, parsed.Equal(ts))
}

func TestBindUnsupported(t *testing.T) {
	_, err := Bind(struct{ X int }{1})
	assert.Assert(t, err != nil)

	_, err = Bind(uint64(math.MaxUint64))
	assert.Assert(t, err != nil)

	// uint is as wide as uint64 on 64-bit platforms and must get the
	// same overflow check, not a silent wrap to a negative integer.
	if big := ^uint(0); uint64(big) > math.MaxInt64 {
		_, err = Bind(big)
		assert.Assert(t, err != nil)
	}
}

func TestParamsRoundTrip(t *testing.T) {
	params := []Value{Integer(1), Text("x"), Null()}
	buf, err := appendParams(nil, params)
	assert.NilError(t, err)
	assert.Equal(t, int(buf[0]), len(params))

	got, n, err := decodeRow([]uint8{TagInteger, TagText, TagNull}, buf[1:])
	assert.NilError(t, err)
	assert.Equal(t, n, len(buf)-1)
	assert.Equal(t, len(got), 3)
	assert.Assert(t, got[2].IsNull())
}
