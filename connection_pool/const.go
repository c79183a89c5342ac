package connection_pool

// Affinity selects which node a lease may target.
type Affinity uint32

const (
	// Any hands out a lease to any ready connection, distributing reads.
	Any Affinity = iota
	// Leader guarantees the lease targets the current cluster leader.
	Leader
)

// pool state
const (
	poolConnected = iota
	poolClosed
)
