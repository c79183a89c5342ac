package raftsql

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Request builders. Each returns the payload for one request frame; the
// connection assigns the request id and wraps the payload into a Frame.

func handshakePayload(clientID uuid.UUID) []byte {
	buf := binary.LittleEndian.AppendUint64(make([]byte, 0, 24), ProtocolVersion)
	return append(buf, clientID[:]...)
}

func openPayload(name string, flags uint64, vfs string) []byte {
	buf := appendString(nil, name)
	buf = binary.LittleEndian.AppendUint64(buf, flags)
	return appendString(buf, vfs)
}

func preparePayload(dbID uint32, sql string) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, dbID)
	return appendString(buf, sql)
}

func stmtPayload(dbID, stmtID uint32, params []Value) ([]byte, error) {
	buf := binary.LittleEndian.AppendUint32(nil, dbID)
	buf = binary.LittleEndian.AppendUint32(buf, stmtID)
	return appendParams(buf, params)
}

func sqlPayload(dbID uint32, sql string, params []Value) ([]byte, error) {
	buf := binary.LittleEndian.AppendUint32(nil, dbID)
	buf = appendString(buf, sql)
	return appendParams(buf, params)
}

func finalizePayload(dbID, stmtID uint32) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, dbID)
	return binary.LittleEndian.AppendUint32(buf, stmtID)
}

func interruptPayload(dbID uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, dbID)
}
