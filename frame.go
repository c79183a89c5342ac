package raftsql

import "encoding/binary"

// HeaderSize is the fixed size of a frame header on the wire.
const HeaderSize = 12

// maxPayloadSize caps the declared payload length so a corrupted header
// cannot force an absurd allocation.
const maxPayloadSize = 1 << 26

// Frame is one length-delimited unit of the wire protocol. RequestID
// correlates a response with the request that caused it. Unknown Type values
// are carried through with the payload left opaque so that a newer peer does
// not break an older one.
type Frame struct {
	RequestID uint32
	Type      uint16
	Schema    uint8
	Flags     uint8
	Payload   []byte
}

// AppendFrame appends the wire encoding of f to buf and returns the
// extended buffer.
func AppendFrame(buf []byte, f Frame) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, f.RequestID)
	buf = binary.LittleEndian.AppendUint16(buf, f.Type)
	buf = append(buf, f.Schema, f.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	return append(buf, f.Payload...)
}

// EncodeFrame returns the wire encoding of f.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// DecodeFrame decodes the first complete frame in buf. It returns the frame
// and the number of bytes consumed. n == 0 with a nil error means buf does
// not yet hold a complete frame and more bytes must be read; a non-nil error
// means the stream is structurally broken and the connection is unusable.
// The returned payload is a copy, safe to keep after buf is reused.
func DecodeFrame(buf []byte) (f Frame, n int, err error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}
	length := binary.LittleEndian.Uint32(buf[8:12])
	if length > maxPayloadSize {
		return Frame{}, 0, framingError("declared payload length %d exceeds limit", length)
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}
	f = Frame{
		RequestID: binary.LittleEndian.Uint32(buf[0:4]),
		Type:      binary.LittleEndian.Uint16(buf[4:6]),
		Schema:    buf[6],
		Flags:     buf[7],
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		copy(f.Payload, buf[HeaderSize:total])
	}
	return f, total, nil
}
