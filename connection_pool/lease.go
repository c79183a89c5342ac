package connection_pool

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/raftsql/go-raftsql"
)

// Lease is a caller's exclusive right to one pooled connection. It must be
// released exactly once, either by Release or by Invalidate on the failure
// path; any use after that fails with ErrLeaseReleased, which always means
// a bug in the calling code.
type Lease struct {
	pool      *ConnectionPool
	pc        *pooledConn
	SessionID uuid.UUID
	released  uint32
}

// Connection returns the leased connection.
func (l *Lease) Connection() (*raftsql.Connection, error) {
	if atomic.LoadUint32(&l.released) != 0 {
		return nil, ErrLeaseReleased
	}
	return l.pc.conn, nil
}

// Addr returns the address of the leased connection's node.
func (l *Lease) Addr() string {
	return l.pc.addr
}

// Released reports whether the lease has ended.
func (l *Lease) Released() bool {
	return atomic.LoadUint32(&l.released) != 0
}

// Release returns the connection to the pool. Releasing twice is an error.
func (l *Lease) Release() error {
	if !atomic.CompareAndSwapUint32(&l.released, 0, 1) {
		return ErrLeaseReleased
	}
	l.pool.release(l.pc)
	return nil
}

// Invalidate ends the lease and evicts the underlying connection, then
// kicks off a topology refresh. This is the failure path: the session
// calls it when a send fails, a request times out, or the node turned out
// not to be the leader.
func (l *Lease) Invalidate() {
	if !atomic.CompareAndSwapUint32(&l.released, 0, 1) {
		return
	}
	l.pool.evict(l.pc)
	l.pool.refreshAsync()
}

// Session returns a statement session bound to this lease.
func (l *Lease) Session() *Session {
	return &Session{lease: l}
}

// Execute runs one statement through a throwaway session on this lease.
func (l *Lease) Execute(ctx context.Context, sql string, params ...interface{}) (raftsql.Result, error) {
	return l.Session().Execute(ctx, sql, params...)
}

// Fetch runs one query through a throwaway session on this lease.
func (l *Lease) Fetch(ctx context.Context, sql string, params ...interface{}) ([]map[string]interface{}, error) {
	return l.Session().Fetch(ctx, sql, params...)
}
