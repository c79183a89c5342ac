package raftsql

import "context"

// Statement is a server-side prepared statement. The handle is scoped to
// the connection that prepared it: once that connection closes or fails the
// id is meaningless and the statement must be prepared again on another
// connection, never replayed with the stale id.
type Statement struct {
	conn      *Connection
	dbID      uint32
	id        uint32
	NumParams uint32
}

// Prepare compiles sql on the server and returns a reusable statement
// handle bound to this connection.
func (conn *Connection) Prepare(ctx context.Context, sql string) (*Statement, error) {
	resp, err := conn.do(ctx, TypePrepare, preparePayload(conn.dbID, sql))
	if err != nil {
		return nil, err
	}
	dbID, stmtID, numParams, err := resp.Stmt()
	if err != nil {
		return nil, err
	}
	return &Statement{conn: conn, dbID: dbID, id: stmtID, NumParams: numParams}, nil
}

func (stmt *Statement) checkUsable() error {
	if stmt.conn.ClosedNow() {
		return ClientError{ErrConnectionClosed, "statement handle outlived its connection"}
	}
	return nil
}

// Execute runs the prepared statement with the given parameters.
func (stmt *Statement) Execute(ctx context.Context, params ...interface{}) (Result, error) {
	if err := stmt.checkUsable(); err != nil {
		return Result{}, err
	}
	vals, err := BindAll(params)
	if err != nil {
		return Result{}, err
	}
	payload, err := stmtPayload(stmt.dbID, stmt.id, vals)
	if err != nil {
		return Result{}, err
	}
	resp, err := stmt.conn.do(ctx, TypeExec, payload)
	if err != nil {
		return Result{}, err
	}
	return resp.Result()
}

// Query runs the prepared statement and returns all result rows.
func (stmt *Statement) Query(ctx context.Context, params ...interface{}) (Rows, error) {
	if err := stmt.checkUsable(); err != nil {
		return Rows{}, err
	}
	vals, err := BindAll(params)
	if err != nil {
		return Rows{}, err
	}
	payload, err := stmtPayload(stmt.dbID, stmt.id, vals)
	if err != nil {
		return Rows{}, err
	}
	return stmt.conn.queryAll(ctx, TypeQuery, payload)
}

// Close finalizes the statement on the server. Closing a statement whose
// connection already failed is a no-op: the server dropped it with the
// session.
func (stmt *Statement) Close(ctx context.Context) error {
	if stmt.conn.ClosedNow() {
		return nil
	}
	resp, err := stmt.conn.do(ctx, TypeFinalize, finalizePayload(stmt.dbID, stmt.id))
	if err != nil {
		return err
	}
	return resp.Ack()
}
