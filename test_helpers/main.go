package test_helpers

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"

	"github.com/raftsql/go-raftsql"
)

// HeartbeatTimeoutMs is the heartbeat timeout the fake node announces in
// its welcome response.
const HeartbeatTimeoutMs = 15000

// NodeOpts configures a fake node.
type NodeOpts struct {
	// ID is the node id reported in leader and cluster responses.
	ID uint64

	// OnExec, when set, overrides the default exec behavior.
	OnExec func(sql string, params []raftsql.Value) (raftsql.Result, error)

	// OnQuery, when set, overrides the default query behavior.
	OnQuery func(sql string, params []raftsql.Value) (raftsql.Rows, error)

	// RowsBatchSize splits query results into multi-part responses of at
	// most this many rows each. Zero sends everything in one frame.
	RowsBatchSize int
}

// Node is an in-process fake database node. It speaks the wire protocol on
// a real TCP listener so client tests exercise the full codec and
// correlation path without an external server.
type Node struct {
	Opts NodeOpts

	cluster *Cluster
	ln      net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	stopped  bool
	nextStmt uint32
	executed []string
}

// StartNode starts a fake node listening on a random local port.
func StartNode(opts NodeOpts) (*Node, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	n := &Node{
		Opts:  opts,
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	go n.acceptLoop()
	return n, nil
}

// Addr returns the node's listen address.
func (n *Node) Addr() string {
	return n.ln.Addr().String()
}

// Stop closes the listener and every open connection, simulating a node
// crash as seen by clients.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	conns := make([]net.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	n.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

// Executed returns the SQL statements executed against this node, in order.
func (n *Node) Executed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.executed))
	copy(out, n.executed)
	return out
}

func (n *Node) isLeader() bool {
	if n.cluster == nil {
		return true
	}
	return n.cluster.LeaderID() == n.Opts.ID
}

func (n *Node) acceptLoop() {
	for {
		c, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.mu.Lock()
		if n.stopped {
			n.mu.Unlock()
			c.Close()
			return
		}
		n.conns[c] = struct{}{}
		n.mu.Unlock()
		go n.serve(c)
	}
}

func (n *Node) serve(c net.Conn) {
	defer func() {
		c.Close()
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
	}()

	buf := make([]byte, 0, 8192)
	tmp := make([]byte, 8192)
	var writeMu sync.Mutex
	for {
		for {
			frame, consumed, err := raftsql.DecodeFrame(buf)
			if err != nil {
				return
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			for _, reply := range n.handle(frame) {
				writeMu.Lock()
				_, err := c.Write(raftsql.EncodeFrame(reply))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
		nread, err := c.Read(tmp)
		if nread > 0 {
			buf = append(buf, tmp[:nread]...)
		}
		if err != nil {
			return
		}
	}
}

func (n *Node) handle(req raftsql.Frame) []raftsql.Frame {
	switch req.Type {
	case raftsql.TypeHandshake:
		if len(req.Payload) < 8 || binary.LittleEndian.Uint64(req.Payload) != raftsql.ProtocolVersion {
			return []raftsql.Frame{failure(req.RequestID, 100, "protocol version mismatch")}
		}
		body := binary.LittleEndian.AppendUint64(nil, HeartbeatTimeoutMs)
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeWelcome, body)}

	case raftsql.TypeOpen:
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeDb, binary.LittleEndian.AppendUint32(nil, 1))}

	case raftsql.TypeLeader:
		id, addr := n.leaderInfo()
		body := binary.LittleEndian.AppendUint64(nil, id)
		body = appendString(body, addr)
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeNodeInfo, body)}

	case raftsql.TypeCluster:
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeClusterInfo, n.clusterInfo())}

	case raftsql.TypePrepare:
		sql, err := payloadSQL(req.Payload)
		if err != nil {
			return []raftsql.Frame{failure(req.RequestID, 1, err.Error())}
		}
		n.mu.Lock()
		n.nextStmt++
		stmtID := n.nextStmt
		n.mu.Unlock()
		body := binary.LittleEndian.AppendUint32(nil, 1)
		body = binary.LittleEndian.AppendUint32(body, stmtID)
		body = binary.LittleEndian.AppendUint32(body, uint32(strings.Count(sql, "?")))
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeStmt, body)}

	case raftsql.TypeExecSQL, raftsql.TypeExec:
		if !n.isLeader() {
			return []raftsql.Frame{n.notLeader(req.RequestID)}
		}
		sql := "<prepared>"
		if req.Type == raftsql.TypeExecSQL {
			s, err := payloadSQL(req.Payload)
			if err != nil {
				return []raftsql.Frame{failure(req.RequestID, 1, err.Error())}
			}
			sql = s
		}
		n.mu.Lock()
		n.executed = append(n.executed, sql)
		n.mu.Unlock()
		res := raftsql.Result{LastInsertID: 1, RowsAffected: 1}
		if n.Opts.OnExec != nil {
			var err error
			res, err = n.Opts.OnExec(sql, nil)
			if err != nil {
				return []raftsql.Frame{failure(req.RequestID, 1, err.Error())}
			}
		}
		body := binary.LittleEndian.AppendUint64(nil, res.LastInsertID)
		body = binary.LittleEndian.AppendUint64(body, res.RowsAffected)
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeResult, body)}

	case raftsql.TypeQuerySQL, raftsql.TypeQuery:
		sql := "<prepared>"
		if req.Type == raftsql.TypeQuerySQL {
			s, err := payloadSQL(req.Payload)
			if err != nil {
				return []raftsql.Frame{failure(req.RequestID, 1, err.Error())}
			}
			sql = s
		}
		rows := raftsql.Rows{
			Columns: []string{"id", "name"},
			Tags:    []uint8{raftsql.TagInteger, raftsql.TagText},
			Rows: [][]raftsql.Value{
				{raftsql.Integer(1), raftsql.Text("test")},
			},
		}
		if n.Opts.OnQuery != nil {
			var err error
			rows, err = n.Opts.OnQuery(sql, nil)
			if err != nil {
				return []raftsql.Frame{failure(req.RequestID, 1, err.Error())}
			}
		}
		return n.rowsFrames(req.RequestID, rows)

	case raftsql.TypeFinalize, raftsql.TypeInterrupt:
		return []raftsql.Frame{reply(req.RequestID, raftsql.TypeAck, nil)}
	}
	return []raftsql.Frame{failure(req.RequestID, 2, fmt.Sprintf("unsupported request type %d", req.Type))}
}

func (n *Node) leaderInfo() (uint64, string) {
	if n.cluster == nil {
		// Standalone node: it is its own leader.
		return n.Opts.ID, ""
	}
	leader := n.cluster.Leader()
	if leader == nil {
		return 0, ""
	}
	if leader.Opts.ID == n.Opts.ID {
		return leader.Opts.ID, ""
	}
	return leader.Opts.ID, leader.Addr()
}

func (n *Node) notLeader(requestID uint32) raftsql.Frame {
	id, addr := uint64(0), ""
	if n.cluster != nil {
		if leader := n.cluster.Leader(); leader != nil {
			id, addr = leader.Opts.ID, leader.Addr()
		}
	}
	body := binary.LittleEndian.AppendUint64(nil, id)
	body = appendString(body, addr)
	return reply(requestID, raftsql.TypeNotLeader, body)
}

func (n *Node) clusterInfo() []byte {
	nodes := []*Node{n}
	if n.cluster != nil {
		nodes = n.cluster.Nodes()
	}
	body := binary.LittleEndian.AppendUint32(nil, uint32(len(nodes)))
	for _, node := range nodes {
		body = binary.LittleEndian.AppendUint64(body, node.Opts.ID)
		body = appendString(body, node.Addr())
		body = append(body, uint8(raftsql.RoleVoter))
	}
	return body
}

func (n *Node) rowsFrames(requestID uint32, rows raftsql.Rows) []raftsql.Frame {
	batch := n.Opts.RowsBatchSize
	if batch <= 0 || batch >= len(rows.Rows) {
		return []raftsql.Frame{reply(requestID, raftsql.TypeRows, encodeRows(rows, false))}
	}
	var frames []raftsql.Frame
	for start := 0; start < len(rows.Rows); start += batch {
		end := start + batch
		if end > len(rows.Rows) {
			end = len(rows.Rows)
		}
		part := raftsql.Rows{Columns: rows.Columns, Tags: rows.Tags, Rows: rows.Rows[start:end]}
		frames = append(frames, reply(requestID, raftsql.TypeRows, encodeRows(part, end < len(rows.Rows))))
	}
	return frames
}

func reply(requestID uint32, typ uint16, body []byte) raftsql.Frame {
	return raftsql.Frame{RequestID: requestID, Type: typ, Payload: body}
}

func failure(requestID uint32, code uint64, msg string) raftsql.Frame {
	body := binary.LittleEndian.AppendUint64(nil, code)
	body = appendString(body, msg)
	return reply(requestID, raftsql.TypeFailure, body)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// payloadSQL extracts the SQL text from a prepare/exec-sql/query-sql
// payload (dbID uint32 + string + the rest).
func payloadSQL(payload []byte) (string, error) {
	if len(payload) < 8 {
		return "", fmt.Errorf("truncated sql payload")
	}
	l := int(binary.LittleEndian.Uint32(payload[4:8]))
	if len(payload) < 8+l {
		return "", fmt.Errorf("sql length out of range")
	}
	return string(payload[8 : 8+l]), nil
}

func encodeRows(rows raftsql.Rows, hasMore bool) []byte {
	body := binary.LittleEndian.AppendUint16(nil, uint16(len(rows.Columns)))
	for i, col := range rows.Columns {
		body = appendString(body, col)
		body = append(body, rows.Tags[i])
	}
	body = binary.LittleEndian.AppendUint32(body, uint32(len(rows.Rows)))
	for _, row := range rows.Rows {
		for _, v := range row {
			body = appendEncodedValue(body, v)
		}
	}
	if hasMore {
		return append(body, 1)
	}
	return append(body, 0)
}

func appendEncodedValue(buf []byte, v raftsql.Value) []byte {
	buf = append(buf, v.Tag())
	switch v.Tag() {
	case raftsql.TagInteger, raftsql.TagBoolean:
		n, _ := v.Interface().(int64)
		if b, ok := v.Interface().(bool); ok {
			n = 0
			if b {
				n = 1
			}
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
	case raftsql.TagFloat:
		f, _ := v.Interface().(float64)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	case raftsql.TagText:
		s, _ := v.Interface().(string)
		buf = appendString(buf, s)
	case raftsql.TagBlob:
		b, _ := v.Interface().([]byte)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	case raftsql.TagNull:
	}
	return buf
}
