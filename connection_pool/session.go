package connection_pool

import (
	"context"

	"github.com/raftsql/go-raftsql"
)

// Session sequences statements over one leased connection. Transactions
// must keep using the same lease from BEGIN to COMMIT; the session never
// swaps connections mid-transaction, or isolation would silently break.
type Session struct {
	lease   *Lease
	inTx    bool
	aborted bool
}

// Lease returns the lease this session runs on.
func (s *Session) Lease() *Lease {
	return s.lease
}

// Finish releases the session's lease unless the failure path already
// ended it. Safe on every exit path, so callers can defer it.
func (s *Session) Finish() {
	if !s.lease.Released() {
		s.lease.Release()
	}
}

// Prepare compiles a statement on the leased connection. The handle is
// only valid on this lease's connection.
func (s *Session) Prepare(ctx context.Context, sql string) (*raftsql.Statement, error) {
	conn, err := s.lease.Connection()
	if err != nil {
		return nil, err
	}
	stmt, err := conn.Prepare(ctx, sql)
	if err != nil {
		return nil, s.fault(err)
	}
	return stmt, nil
}

// Execute runs a statement and returns its result.
func (s *Session) Execute(ctx context.Context, sql string, params ...interface{}) (raftsql.Result, error) {
	conn, err := s.lease.Connection()
	if err != nil {
		return raftsql.Result{}, err
	}
	res, err := conn.Execute(ctx, sql, params...)
	if err != nil {
		return raftsql.Result{}, s.fault(err)
	}
	return res, nil
}

// ExecuteStatement runs a prepared statement through the session so
// failures feed the pool's eviction and refresh machinery.
func (s *Session) ExecuteStatement(ctx context.Context, stmt *raftsql.Statement, params ...interface{}) (raftsql.Result, error) {
	if _, err := s.lease.Connection(); err != nil {
		return raftsql.Result{}, err
	}
	res, err := stmt.Execute(ctx, params...)
	if err != nil {
		return raftsql.Result{}, s.fault(err)
	}
	return res, nil
}

// Query runs a query and returns all rows.
func (s *Session) Query(ctx context.Context, sql string, params ...interface{}) (raftsql.Rows, error) {
	conn, err := s.lease.Connection()
	if err != nil {
		return raftsql.Rows{}, err
	}
	rows, err := conn.Query(ctx, sql, params...)
	if err != nil {
		return raftsql.Rows{}, s.fault(err)
	}
	return rows, nil
}

// QueryStatement runs a prepared query through the session.
func (s *Session) QueryStatement(ctx context.Context, stmt *raftsql.Statement, params ...interface{}) (raftsql.Rows, error) {
	if _, err := s.lease.Connection(); err != nil {
		return raftsql.Rows{}, err
	}
	rows, err := stmt.Query(ctx, params...)
	if err != nil {
		return raftsql.Rows{}, s.fault(err)
	}
	return rows, nil
}

// Fetch runs a query and returns rows as column-name keyed maps.
func (s *Session) Fetch(ctx context.Context, sql string, params ...interface{}) ([]map[string]interface{}, error) {
	conn, err := s.lease.Connection()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Fetch(ctx, sql, params...)
	if err != nil {
		return nil, s.fault(err)
	}
	return rows, nil
}

// Begin opens a transaction on the leased connection.
func (s *Session) Begin(ctx context.Context) error {
	if s.inTx {
		return raftsql.ClientError{Code: raftsql.ErrProtocol, Msg: "transaction already in progress"}
	}
	s.aborted = false
	if _, err := s.Execute(ctx, "BEGIN"); err != nil {
		return err
	}
	s.inTx = true
	return nil
}

// Commit commits the open transaction. Committing an aborted transaction
// fails: its effects are unknown and it must be begun anew.
func (s *Session) Commit(ctx context.Context) error {
	if s.aborted {
		return ErrTxAborted
	}
	if !s.inTx {
		return raftsql.ClientError{Code: raftsql.ErrProtocol, Msg: "no transaction in progress"}
	}
	_, err := s.Execute(ctx, "COMMIT")
	if err == nil {
		s.inTx = false
	}
	return err
}

// Rollback rolls back the open transaction. Rolling back an aborted
// transaction only clears the session state: the connection is gone and
// the server already discarded the transaction with it.
func (s *Session) Rollback(ctx context.Context) error {
	if s.aborted {
		s.aborted = false
		return nil
	}
	if !s.inTx {
		return raftsql.ClientError{Code: raftsql.ErrProtocol, Msg: "no transaction in progress"}
	}
	_, err := s.Execute(ctx, "ROLLBACK")
	if err == nil {
		s.inTx = false
	}
	return err
}

// InTransaction reports whether a transaction is open on this session.
func (s *Session) InTransaction() bool {
	return s.inTx
}

// fault classifies an operation error. Anything that makes the connection
// untrustworthy ends the lease and evicts the connection; a leader change
// additionally feeds the redirect into the topology cache. A transaction
// interrupted this way cannot be resumed or replayed, so it is reported
// as aborted in its entirety.
func (s *Session) fault(err error) error {
	switch e := err.(type) {
	case raftsql.NotLeaderError:
		if e.LeaderAddr != "" {
			s.lease.pool.resolver.SetLeader(e.LeaderID, e.LeaderAddr)
		} else {
			s.lease.pool.resolver.ForgetLeader()
		}
		s.lease.Invalidate()
		if s.inTx {
			s.abort()
			return ErrTxAborted
		}
		return err
	case raftsql.ClientError:
		switch e.Code {
		case raftsql.ErrTimeout:
			// A late response could be misattributed if the
			// connection were reused, so it never is.
			timeouts.Inc()
			s.lease.Invalidate()
		case raftsql.ErrConnectionClosed, raftsql.ErrFraming, raftsql.ErrProtocol:
			s.lease.Invalidate()
		default:
			// Decoding errors fail the request, not the connection.
			return err
		}
		if s.inTx {
			s.abort()
			return ErrTxAborted
		}
		return err
	}
	// SQL errors are deterministic: the connection and any open
	// transaction remain intact.
	return err
}

func (s *Session) abort() {
	s.inTx = false
	s.aborted = true
}
