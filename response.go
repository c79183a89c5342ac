package raftsql

import (
	"encoding/binary"
	"fmt"
)

// Response is one decoded response frame.
type Response struct {
	RequestID uint32
	Type      uint16
	Body      []byte
}

// Result reports the outcome of a statement execution.
type Result struct {
	LastInsertID uint64
	RowsAffected uint64
}

// Rows is one batch of query results. HasMore indicates the server will send
// further Rows frames for the same request.
type Rows struct {
	Columns []string
	Tags    []uint8
	Rows    [][]Value
	HasMore bool
}

func responseFromFrame(f Frame) Response {
	return Response{RequestID: f.RequestID, Type: f.Type, Body: f.Payload}
}

// Err maps failure responses onto the error taxonomy. A nil return means the
// response carries a successful result of its type.
func (r *Response) Err() error {
	switch r.Type {
	case TypeFailure:
		if len(r.Body) < 8 {
			return framingError("truncated failure response")
		}
		code := binary.LittleEndian.Uint64(r.Body)
		msg, _, err := decodeString(r.Body[8:])
		if err != nil {
			return framingError("failure response: %s", err)
		}
		return Error{Code: code, Msg: msg}
	case TypeNotLeader:
		if len(r.Body) < 8 {
			return framingError("truncated not-leader response")
		}
		id := binary.LittleEndian.Uint64(r.Body)
		addr, _, err := decodeString(r.Body[8:])
		if err != nil {
			return framingError("not-leader response: %s", err)
		}
		return NotLeaderError{LeaderID: id, LeaderAddr: addr}
	}
	return nil
}

func (r *Response) expect(t uint16) error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.Type != t {
		return protocolError("expected response type %d, got %d", t, r.Type)
	}
	return nil
}

// Welcome decodes a handshake acknowledgment and returns the server's
// heartbeat timeout.
func (r *Response) Welcome() (heartbeat uint64, err error) {
	if err := r.expect(TypeWelcome); err != nil {
		return 0, err
	}
	if len(r.Body) < 8 {
		return 0, framingError("truncated welcome response")
	}
	return binary.LittleEndian.Uint64(r.Body), nil
}

// NodeInfo decodes a leader query response. An empty address means the
// contacted node is itself the leader.
func (r *Response) NodeInfo() (id uint64, address string, err error) {
	if err := r.expect(TypeNodeInfo); err != nil {
		return 0, "", err
	}
	if len(r.Body) < 8 {
		return 0, "", framingError("truncated node info response")
	}
	id = binary.LittleEndian.Uint64(r.Body)
	address, _, err = decodeString(r.Body[8:])
	if err != nil {
		return 0, "", framingError("node info response: %s", err)
	}
	return id, address, nil
}

// ClusterInfo decodes a cluster describe response.
func (r *Response) ClusterInfo() ([]NodeInfo, error) {
	if err := r.expect(TypeClusterInfo); err != nil {
		return nil, err
	}
	if len(r.Body) < 4 {
		return nil, framingError("truncated cluster info response")
	}
	count := int(binary.LittleEndian.Uint32(r.Body))
	buf := r.Body[4:]
	nodes := make([]NodeInfo, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 8 {
			return nil, framingError("cluster info: truncated node %d", i)
		}
		id := binary.LittleEndian.Uint64(buf)
		addr, n, err := decodeString(buf[8:])
		if err != nil {
			return nil, framingError("cluster info node %d: %s", i, err)
		}
		buf = buf[8+n:]
		if len(buf) < 1 {
			return nil, framingError("cluster info: truncated role for node %d", i)
		}
		role := NodeRole(buf[0])
		if role != RoleSpare && role != RoleVoter && role != RoleStandby {
			role = RoleUnknown
		}
		buf = buf[1:]
		nodes = append(nodes, NodeInfo{ID: id, Address: addr, Role: role})
	}
	return nodes, nil
}

// Db decodes an open-database response.
func (r *Response) Db() (dbID uint32, err error) {
	if err := r.expect(TypeDb); err != nil {
		return 0, err
	}
	if len(r.Body) < 4 {
		return 0, framingError("truncated db response")
	}
	return binary.LittleEndian.Uint32(r.Body), nil
}

// Stmt decodes a prepare response.
func (r *Response) Stmt() (dbID, stmtID, numParams uint32, err error) {
	if err := r.expect(TypeStmt); err != nil {
		return 0, 0, 0, err
	}
	if len(r.Body) < 12 {
		return 0, 0, 0, framingError("truncated stmt response")
	}
	dbID = binary.LittleEndian.Uint32(r.Body)
	stmtID = binary.LittleEndian.Uint32(r.Body[4:])
	numParams = binary.LittleEndian.Uint32(r.Body[8:])
	return dbID, stmtID, numParams, nil
}

// Result decodes an execute response.
func (r *Response) Result() (Result, error) {
	if err := r.expect(TypeResult); err != nil {
		return Result{}, err
	}
	if len(r.Body) < 16 {
		return Result{}, framingError("truncated result response")
	}
	return Result{
		LastInsertID: binary.LittleEndian.Uint64(r.Body),
		RowsAffected: binary.LittleEndian.Uint64(r.Body[8:]),
	}, nil
}

// Rows decodes one batch of a query response.
func (r *Response) Rows() (Rows, error) {
	if err := r.expect(TypeRows); err != nil {
		return Rows{}, err
	}
	if len(r.Body) < 2 {
		return Rows{}, framingError("truncated rows response")
	}
	colCount := int(binary.LittleEndian.Uint16(r.Body))
	buf := r.Body[2:]
	rows := Rows{
		Columns: make([]string, 0, colCount),
		Tags:    make([]uint8, 0, colCount),
	}
	for i := 0; i < colCount; i++ {
		name, n, err := decodeString(buf)
		if err != nil {
			return Rows{}, framingError("rows column %d: %s", i, err)
		}
		buf = buf[n:]
		if len(buf) < 1 {
			return Rows{}, framingError("rows column %d: truncated tag", i)
		}
		rows.Columns = append(rows.Columns, name)
		rows.Tags = append(rows.Tags, buf[0])
		buf = buf[1:]
	}
	if len(buf) < 4 {
		return Rows{}, framingError("truncated row count")
	}
	rowCount := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	rows.Rows = make([][]Value, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		row, n, err := decodeRow(rows.Tags, buf)
		if err != nil {
			return Rows{}, err
		}
		rows.Rows = append(rows.Rows, row)
		buf = buf[n:]
	}
	if len(buf) < 1 {
		return Rows{}, framingError("missing has-more flag")
	}
	rows.HasMore = buf[0] != 0
	return rows, nil
}

// Ack verifies an empty acknowledgment response.
func (r *Response) Ack() error {
	return r.expect(TypeAck)
}

func (r *Response) String() string {
	if err := r.Err(); err != nil {
		return fmt.Sprintf("<%d ERR %v>", r.RequestID, err)
	}
	return fmt.Sprintf("<%d type=%d %d bytes>", r.RequestID, r.Type, len(r.Body))
}
