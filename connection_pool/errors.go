package connection_pool

import "errors"

var (
	// ErrEmptyAddrs is returned when a pool is created without seeds.
	ErrEmptyAddrs = errors.New("addrs should not be empty")

	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrClusterUnavailable means no node could be reached within the
	// attempt budget. It is fatal to the current operation and is never
	// retried automatically.
	ErrClusterUnavailable = errors.New("no cluster node reachable")

	// ErrLeaseReleased means a lease was used after its release. This is
	// a bug in the calling code, not a protocol condition, and is always
	// fatal.
	ErrLeaseReleased = errors.New("lease used after release")

	// ErrTxAborted means a transaction hit a leader change and cannot be
	// resumed: it may have partially applied on the old leader. The
	// caller must begin a fresh transaction.
	ErrTxAborted = errors.New("transaction aborted by leader change, begin anew")
)
