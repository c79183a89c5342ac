package raftsql

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/assert"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		{RequestID: 1, Type: TypeLeader},
		{RequestID: 42, Type: TypeExecSQL, Payload: []byte("payload bytes")},
		{RequestID: 0xffffffff, Type: TypeRows, Schema: 1, Flags: 2, Payload: make([]byte, 1000)},
	}
	for _, want := range frames {
		buf := EncodeFrame(want)
		got, n, err := DecodeFrame(buf)
		assert.NilError(t, err)
		assert.Equal(t, n, len(buf))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("frame mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFrameDecodePartial(t *testing.T) {
	buf := EncodeFrame(Frame{RequestID: 7, Type: TypeQuerySQL, Payload: []byte("SELECT 1")})

	// Every proper prefix must report "need more bytes", never an error.
	for i := 0; i < len(buf); i++ {
		_, n, err := DecodeFrame(buf[:i])
		assert.NilError(t, err)
		assert.Equal(t, n, 0)
	}

	f, n, err := DecodeFrame(buf)
	assert.NilError(t, err)
	assert.Equal(t, n, len(buf))
	assert.Equal(t, string(f.Payload), "SELECT 1")
}

func TestFrameDecodeStream(t *testing.T) {
	var buf []byte
	buf = AppendFrame(buf, Frame{RequestID: 1, Type: TypeResult, Payload: []byte("a")})
	buf = AppendFrame(buf, Frame{RequestID: 2, Type: TypeResult, Payload: []byte("bb")})
	buf = AppendFrame(buf, Frame{RequestID: 3, Type: TypeResult})

	var ids []uint32
	for len(buf) > 0 {
		f, n, err := DecodeFrame(buf)
		assert.NilError(t, err)
		if n == 0 {
			break
		}
		ids = append(ids, f.RequestID)
		buf = buf[n:]
	}
	assert.DeepEqual(t, ids, []uint32{1, 2, 3})
}

func TestFrameDecodeOversizedLength(t *testing.T) {
	buf := EncodeFrame(Frame{RequestID: 1, Type: TypeExecSQL})
	buf[8] = 0xff
	buf[9] = 0xff
	buf[10] = 0xff
	buf[11] = 0xff

	_, _, err := DecodeFrame(buf)
	cliErr, ok := err.(ClientError)
	assert.Assert(t, ok, "expected ClientError, got %T", err)
	assert.Equal(t, cliErr.Code, uint32(ErrFraming))
}

func TestFrameUnknownTypeOpaque(t *testing.T) {
	// A type tag from a future protocol revision passes through with the
	// payload untouched.
	want := Frame{RequestID: 9, Type: 999, Payload: []byte{0xde, 0xad}}
	got, n, err := DecodeFrame(EncodeFrame(want))
	assert.NilError(t, err)
	assert.Assert(t, n > 0)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestFramePayloadCopied(t *testing.T) {
	buf := EncodeFrame(Frame{RequestID: 5, Type: TypeExecSQL, Payload: []byte("abc")})
	f, _, err := DecodeFrame(buf)
	assert.NilError(t, err)
	buf[HeaderSize] = 'x'
	assert.Equal(t, string(f.Payload), "abc")
}
