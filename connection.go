package raftsql

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// ConnState is the lifecycle state of a Connection.
type ConnState uint32

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateReady
	StateDraining
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// ConnEventKind is sent to Opts.Notify subscribers on lifecycle changes.
type ConnEventKind int

const (
	// Connected: handshake completed, connection is ready.
	Connected ConnEventKind = iota + 1
	// Closed: connection was closed by Close.
	Closed
	// Failed: connection failed on an I/O or protocol error.
	Failed
)

// ConnEvent is sent throw Notify channel specified in Opts.
type ConnEvent struct {
	Conn *Connection
	Kind ConnEventKind
	When time.Time
}

// Opts configures a Connection.
type Opts struct {
	// Database is the database name opened after the handshake.
	// Empty means "default".
	Database string
	// ConnectTimeout bounds dialing plus handshake. Zero means no limit.
	ConnectTimeout time.Duration
	// RequestTimeout bounds every request issued on the connection unless
	// the caller's context is stricter. Zero means no limit.
	RequestTimeout time.Duration
	// ClientID identifies this client in the handshake. A zero value is
	// replaced with a random UUID.
	ClientID uuid.UUID
	// Notify, when set, receives connection lifecycle events. Events are
	// dropped if the channel is full.
	Notify chan<- ConnEvent
}

// Connection is one physical connection to one cluster node. It owns the
// socket, performs the handshake and correlates response frames with
// outstanding requests by request id. A Connection never retries anything
// on its own: any I/O failure fails every pending request and moves the
// connection to the failed state, and retry policy belongs to the caller.
type Connection struct {
	addr string
	opts Opts

	c       net.Conn
	writeMu sync.Mutex
	bw      *bufio.Writer

	state     uint32
	requestID uint32
	pending   *xsync.MapOf[uint32, *Future]
	drained   chan struct{}
	lastErr   atomic.Value

	dbID      uint32
	heartbeat time.Duration
}

// Connect dials addr, performs the protocol handshake and opens the
// configured database. On any handshake failure the connection transitions
// directly to failed and an error is returned.
func Connect(addr string, opts Opts) (*Connection, error) {
	return ConnectContext(context.Background(), addr, opts)
}

// ConnectContext is Connect honoring ctx for dialing and handshaking.
func ConnectContext(ctx context.Context, addr string, opts Opts) (*Connection, error) {
	if opts.ClientID == (uuid.UUID{}) {
		opts.ClientID = uuid.New()
	}
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	conn := &Connection{
		addr:    addr,
		opts:    opts,
		pending: xsync.NewMapOf[uint32, *Future](),
		drained: make(chan struct{}, 1),
	}

	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		atomic.StoreUint32(&conn.state, uint32(StateFailed))
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	conn.c = c
	conn.bw = bufio.NewWriter(c)

	atomic.StoreUint32(&conn.state, uint32(StateHandshaking))
	go conn.reader()

	if err := conn.handshake(ctx); err != nil {
		conn.fail(err)
		return nil, err
	}

	atomic.StoreUint32(&conn.state, uint32(StateReady))
	conn.notify(Connected)
	return conn, nil
}

func (conn *Connection) handshake(ctx context.Context) error {
	resp, err := conn.do(ctx, TypeHandshake, handshakePayload(conn.opts.ClientID))
	if err != nil {
		return err
	}
	heartbeat, err := resp.Welcome()
	if err != nil {
		if sqlErr, ok := err.(Error); ok {
			// The server refuses the handshake with a failure frame,
			// typically on protocol version skew.
			return ClientError{ErrVersionMismatch, sqlErr.Msg}
		}
		return err
	}
	conn.heartbeat = time.Duration(heartbeat) * time.Millisecond

	name := conn.opts.Database
	if name == "" {
		name = "default"
	}
	resp, err = conn.do(ctx, TypeOpen, openPayload(name, 0, ""))
	if err != nil {
		return err
	}
	dbID, err := resp.Db()
	if err != nil {
		return err
	}
	conn.dbID = dbID
	return nil
}

// Addr returns the address this connection was dialed to.
func (conn *Connection) Addr() string {
	return conn.addr
}

// State returns the current lifecycle state.
func (conn *Connection) State() ConnState {
	return ConnState(atomic.LoadUint32(&conn.state))
}

// ConnectedNow reports whether the connection is ready for requests.
func (conn *Connection) ConnectedNow() bool {
	return conn.State() == StateReady
}

// ClosedNow reports whether the connection reached a terminal state.
func (conn *Connection) ClosedNow() bool {
	return conn.State() == StateFailed
}

// ConfiguredTimeout returns the per-request timeout the connection was
// created with.
func (conn *Connection) ConfiguredTimeout() time.Duration {
	return conn.opts.RequestTimeout
}

// HeartbeatTimeout returns the heartbeat interval announced by the server
// in its handshake acknowledgment.
func (conn *Connection) HeartbeatTimeout() time.Duration {
	return conn.heartbeat
}

// LastError returns the error that moved the connection to the failed
// state, if any.
func (conn *Connection) LastError() error {
	err, _ := conn.lastErr.Load().(error)
	return err
}

// Close drains the connection: no new requests are accepted, pending
// requests are given until the configured request timeout (one second when
// unset) to resolve, then the socket is torn down.
func (conn *Connection) Close() error {
	if !atomic.CompareAndSwapUint32(&conn.state, uint32(StateReady), uint32(StateDraining)) {
		// Never got ready or already draining/failed: tear down directly.
		conn.fail(ClientError{ErrConnectionClosed, "connection closed by client"})
		return nil
	}

	grace := conn.opts.RequestTimeout
	if grace <= 0 {
		grace = time.Second
	}
	if conn.pending.Size() > 0 {
		t := time.NewTimer(grace)
		select {
		case <-conn.drained:
		case <-t.C:
		}
		t.Stop()
	}

	conn.failWith(ClientError{ErrConnectionClosed, "connection closed by client"}, Closed)
	return nil
}

func (conn *Connection) notify(kind ConnEventKind) {
	if conn.opts.Notify == nil {
		return
	}
	select {
	case conn.opts.Notify <- ConnEvent{Conn: conn, Kind: kind, When: time.Now()}:
	default:
	}
}

func (conn *Connection) fail(err error) {
	conn.failWith(err, Failed)
}

// failWith moves the connection to failed exactly once, closing the socket
// and failing every pending request.
func (conn *Connection) failWith(err error, kind ConnEventKind) {
	for {
		state := atomic.LoadUint32(&conn.state)
		if state == uint32(StateFailed) {
			return
		}
		if atomic.CompareAndSwapUint32(&conn.state, state, uint32(StateFailed)) {
			break
		}
	}
	conn.lastErr.Store(err)
	if conn.c != nil {
		conn.c.Close()
	}
	conn.pending.Range(func(id uint32, fut *Future) bool {
		conn.pending.Delete(id)
		fut.fail(err)
		return true
	})
	conn.notify(kind)
}

// nextRequestID assigns ids monotonically, skipping zero on wraparound so
// an id is never ambiguous with an unset header field.
func (conn *Connection) nextRequestID() uint32 {
	for {
		id := atomic.AddUint32(&conn.requestID, 1)
		if id != 0 {
			return id
		}
	}
}

// send writes one request frame and registers a future for its response.
func (conn *Connection) send(typ uint16, payload []byte) (*Future, error) {
	state := conn.State()
	if state != StateReady && state != StateHandshaking {
		if state == StateFailed {
			return nil, ClientError{ErrConnectionClosed, "using closed connection"}
		}
		return nil, ClientError{ErrConnectionNotReady, "connection not ready"}
	}

	id := conn.nextRequestID()
	fut := newFuture(id)
	conn.pending.Store(id, fut)

	frame := Frame{RequestID: id, Type: typ, Payload: payload}
	conn.writeMu.Lock()
	_, err := conn.bw.Write(EncodeFrame(frame))
	if err == nil {
		err = conn.bw.Flush()
	}
	conn.writeMu.Unlock()
	if err != nil {
		conn.pending.Delete(id)
		lost := ClientError{ErrConnectionClosed, "connection lost: " + err.Error()}
		conn.fail(lost)
		return nil, lost
	}
	return fut, nil
}

// do issues one request and waits for its single response. On a timeout the
// future is abandoned: a late response will no longer match anything, which
// deliberately fails the connection rather than risking misattribution.
func (conn *Connection) do(ctx context.Context, typ uint16, payload []byte) (Response, error) {
	if conn.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.opts.RequestTimeout)
		defer cancel()
	}
	fut, err := conn.send(typ, payload)
	if err != nil {
		return Response{}, err
	}
	defer conn.completeRequest(fut.requestID)
	return fut.wait(ctx)
}

// completeRequest retires a request id. During a drain the last completion
// lets Close proceed without waiting out the full grace period.
func (conn *Connection) completeRequest(id uint32) {
	conn.pending.Delete(id)
	if conn.State() == StateDraining && conn.pending.Size() == 0 {
		select {
		case conn.drained <- struct{}{}:
		default:
		}
	}
}

// reader is the per-connection read loop. It buffers partial frames,
// dispatches complete ones by request id and fails the connection on the
// first I/O or framing error.
func (conn *Connection) reader() {
	buf := make([]byte, 0, 8192)
	tmp := make([]byte, 8192)
	for {
		for {
			frame, n, err := DecodeFrame(buf)
			if err != nil {
				conn.fail(err)
				return
			}
			if n == 0 {
				break
			}
			buf = buf[n:]
			if err := conn.dispatch(frame); err != nil {
				conn.fail(err)
				return
			}
		}
		n, err := conn.c.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			state := conn.State()
			if state == StateDraining || state == StateFailed {
				conn.failWith(ClientError{ErrConnectionClosed, "connection closed by client"}, Closed)
			} else {
				conn.fail(ClientError{ErrConnectionClosed, "connection lost: " + err.Error()})
			}
			return
		}
	}
}

func (conn *Connection) dispatch(frame Frame) error {
	fut, ok := conn.pending.Load(frame.RequestID)
	if !ok {
		return protocolError("response for unknown request id %d", frame.RequestID)
	}
	if fut.abandonedNow() {
		// The caller gave up on this stream mid-way; discard the frame.
		// The final batch (has-more flag clear) retires the request id.
		if frame.Type != TypeRows || len(frame.Payload) == 0 || frame.Payload[len(frame.Payload)-1] == 0 {
			conn.completeRequest(frame.RequestID)
		}
		return nil
	}
	fut.push(responseFromFrame(frame))
	return nil
}

// Leader asks this node who the current leader is. An empty address means
// the contacted node is itself the leader.
func (conn *Connection) Leader(ctx context.Context) (id uint64, address string, err error) {
	resp, err := conn.do(ctx, TypeLeader, nil)
	if err != nil {
		return 0, "", err
	}
	return resp.NodeInfo()
}

// Cluster returns the membership of the cluster as known by this node.
func (conn *Connection) Cluster(ctx context.Context) ([]NodeInfo, error) {
	resp, err := conn.do(ctx, TypeCluster, nil)
	if err != nil {
		return nil, err
	}
	return resp.ClusterInfo()
}

// Execute runs a SQL statement with the given parameters.
func (conn *Connection) Execute(ctx context.Context, sql string, params ...interface{}) (Result, error) {
	vals, err := BindAll(params)
	if err != nil {
		return Result{}, err
	}
	payload, err := sqlPayload(conn.dbID, sql, vals)
	if err != nil {
		return Result{}, err
	}
	resp, err := conn.do(ctx, TypeExecSQL, payload)
	if err != nil {
		return Result{}, err
	}
	return resp.Result()
}

// Query runs a SQL query and returns all rows, transparently concatenating
// multi-part responses.
func (conn *Connection) Query(ctx context.Context, sql string, params ...interface{}) (Rows, error) {
	vals, err := BindAll(params)
	if err != nil {
		return Rows{}, err
	}
	payload, err := sqlPayload(conn.dbID, sql, vals)
	if err != nil {
		return Rows{}, err
	}
	return conn.queryAll(ctx, TypeQuerySQL, payload)
}

func (conn *Connection) queryAll(ctx context.Context, typ uint16, payload []byte) (Rows, error) {
	if conn.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conn.opts.RequestTimeout)
		defer cancel()
	}
	fut, err := conn.send(typ, payload)
	if err != nil {
		return Rows{}, err
	}

	var all Rows
	for {
		resp, err := fut.wait(ctx)
		if err != nil {
			// Timeout or failure: the entry is dropped, so a late
			// response fails the connection instead of being
			// misattributed.
			conn.completeRequest(fut.requestID)
			return Rows{}, err
		}
		batch, err := resp.Rows()
		if err != nil {
			if resp.Type == TypeRows && len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != 0 {
				// More batches follow; have the reader discard them.
				fut.abandon()
			} else {
				conn.completeRequest(fut.requestID)
			}
			return Rows{}, err
		}
		if all.Columns == nil {
			all.Columns = batch.Columns
			all.Tags = batch.Tags
		}
		all.Rows = append(all.Rows, batch.Rows...)
		if !batch.HasMore {
			conn.completeRequest(fut.requestID)
			return all, nil
		}
	}
}

// Fetch runs a query and returns rows as column-name keyed maps.
func (conn *Connection) Fetch(ctx context.Context, sql string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := conn.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(rows.Rows))
	for i, row := range rows.Rows {
		m := make(map[string]interface{}, len(rows.Columns))
		for j, col := range rows.Columns {
			m[col] = row[j].Interface()
		}
		out[i] = m
	}
	return out, nil
}

// FetchOne returns the first row of a query, or nil if there is none.
func (conn *Connection) FetchOne(ctx context.Context, sql string, params ...interface{}) (map[string]interface{}, error) {
	rows, err := conn.Fetch(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchValue returns the first column of the first row, or nil.
func (conn *Connection) FetchValue(ctx context.Context, sql string, params ...interface{}) (interface{}, error) {
	rows, err := conn.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	if len(rows.Rows) == 0 || len(rows.Rows[0]) == 0 {
		return nil, nil
	}
	return rows.Rows[0][0].Interface(), nil
}

// Interrupt asks the server to abandon the statement currently running on
// this connection's database.
func (conn *Connection) Interrupt(ctx context.Context) error {
	resp, err := conn.do(ctx, TypeInterrupt, interruptPayload(conn.dbID))
	if err != nil {
		return err
	}
	return resp.Ack()
}
