package connection_pool

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/raftsql/go-raftsql"
)

// OptsPool configures a ConnectionPool.
type OptsPool struct {
	// MaxSize bounds the number of physical connections. Default 10.
	MaxSize int
	// ConnectTimeout bounds each dial plus handshake. Default 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds every request on pooled connections.
	RequestTimeout time.Duration
	// RetryAttempts bounds how many candidate nodes an acquire may try
	// before giving up with ErrClusterUnavailable. Default 5.
	RetryAttempts int
	// RefreshInterval enables periodic background topology refresh as a
	// safety net. Zero disables it.
	RefreshInterval time.Duration
	// Database is the database opened on every connection.
	Database string
}

func (opts *OptsPool) fillDefaults() {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
}

// pooledConn is one slot in the pool's connection table. A slot is
// reserved (dialing=true) before the dial so the MaxSize bound holds even
// while connects are in flight.
type pooledConn struct {
	addr    string
	conn    *raftsql.Connection
	leased  bool
	dialing bool
}

// ConnectionPool multiplexes leases over a bounded set of node
// connections, keeping writes on the current leader. Connections are
// created lazily and handed out exclusively: a connection is never leased
// to two callers at once.
type ConnectionPool struct {
	addrs    []string
	connOpts raftsql.Opts
	opts     OptsPool
	resolver *Resolver

	mutex   sync.Mutex
	conns   []*pooledConn
	waiters []chan struct{}
	rrIndex int

	state   uint32
	control chan struct{}
	notify  chan raftsql.ConnEvent
}

// Connect creates a pool for the cluster reachable through addrs.
func Connect(addrs []string, connOpts raftsql.Opts) (*ConnectionPool, error) {
	return ConnectWithOpts(addrs, connOpts, OptsPool{})
}

// ConnectWithOpts creates a pool for the cluster reachable through addrs
// with pool options opts. The topology is resolved lazily on the first
// acquire, not here: creating a pool never blocks on the network.
func ConnectWithOpts(addrs []string, connOpts raftsql.Opts, opts OptsPool) (*ConnectionPool, error) {
	if len(addrs) == 0 {
		return nil, ErrEmptyAddrs
	}
	opts.fillDefaults()

	notify := make(chan raftsql.ConnEvent, 10*len(addrs))
	connOpts.Notify = notify
	connOpts.ConnectTimeout = opts.ConnectTimeout
	connOpts.RequestTimeout = opts.RequestTimeout
	if opts.Database != "" {
		connOpts.Database = opts.Database
	}

	// Topology probes use their own options: they must not feed the
	// pool's event channel, and they are short-lived by nature.
	probeOpts := connOpts
	probeOpts.Notify = nil

	pool := &ConnectionPool{
		addrs:    addrs,
		connOpts: connOpts,
		opts:     opts,
		resolver: NewResolver(addrs, probeOpts),
		control:  make(chan struct{}),
		notify:   notify,
	}

	go pool.checker()

	return pool, nil
}

// Addrs returns the seed addresses the pool was created with.
func (pool *ConnectionPool) Addrs() []string {
	return pool.addrs
}

// Resolver returns the pool's topology resolver.
func (pool *ConnectionPool) Resolver() *Resolver {
	return pool.resolver
}

func (pool *ConnectionPool) closed() bool {
	return atomic.LoadUint32(&pool.state) == poolClosed
}

// Close tears down the pool and every connection in it. Outstanding leases
// fail on their next use.
func (pool *ConnectionPool) Close() []error {
	if !atomic.CompareAndSwapUint32(&pool.state, poolConnected, poolClosed) {
		return nil
	}
	close(pool.control)

	pool.mutex.Lock()
	conns := pool.conns
	pool.conns = nil
	waiters := pool.waiters
	pool.waiters = nil
	pool.mutex.Unlock()

	for _, w := range waiters {
		close(w)
	}

	var errs []error
	for _, pc := range conns {
		if pc.conn != nil {
			if err := pc.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// Acquire hands out an exclusive lease on a connection. Leader affinity
// guarantees the connection targets the current leader, re-resolving and
// retrying other candidate nodes within the attempt budget; Any affinity
// distributes over ready connections for reads. The caller must release
// the lease exactly once.
func (pool *ConnectionPool) Acquire(ctx context.Context, affinity Affinity) (*Lease, error) {
	if pool.closed() {
		return nil, ErrPoolClosed
	}
	acquires.Inc()

	var lastErr error
	for attempt := 0; attempt < pool.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		lease, retry, err := pool.tryAcquire(ctx, affinity)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	if errors.Is(lastErr, ErrClusterUnavailable) {
		return nil, lastErr
	}
	return nil, errors.Wrapf(ErrClusterUnavailable, "%d attempts exhausted, last error: %s",
		pool.opts.RetryAttempts, lastErr)
}

// tryAcquire makes one attempt: reuse an idle connection, dial into a free
// slot, or wait for a release when the pool is at capacity. The retry
// return tells Acquire whether another attempt makes sense.
func (pool *ConnectionPool) tryAcquire(ctx context.Context, affinity Affinity) (lease *Lease, retry bool, err error) {
	var target string
	if affinity == Leader {
		target, err = pool.leaderAddr(ctx)
		if err != nil {
			return nil, true, err
		}
	}

	for {
		pool.mutex.Lock()
		if pool.closed() {
			pool.mutex.Unlock()
			return nil, false, ErrPoolClosed
		}

		if pc := pool.lockedIdleConn(target); pc != nil {
			if pc.conn.ConnectedNow() {
				pc.leased = true
				pool.mutex.Unlock()
				return pool.newLease(pc), false, nil
			}
			pool.lockedRemove(pc)
			pool.mutex.Unlock()
			pc.conn.Close()
			evictions.Inc()
			continue
		}

		if len(pool.conns) < pool.opts.MaxSize {
			addr := target
			if affinity == Any {
				addr = pool.lockedNextAddr()
			}
			pc := &pooledConn{addr: addr, dialing: true, leased: true}
			pool.conns = append(pool.conns, pc)
			pool.mutex.Unlock()
			return pool.dialSlot(ctx, pc)
		}

		// At capacity with leader affinity: an idle connection to a
		// stale address is worth evicting to make room.
		if target != "" {
			if pc := pool.lockedIdleAnyOther(target); pc != nil {
				pool.lockedRemove(pc)
				pool.mutex.Unlock()
				pc.conn.Close()
				evictions.Inc()
				continue
			}
		}

		w := make(chan struct{}, 1)
		pool.waiters = append(pool.waiters, w)
		pool.mutex.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			pool.dropWaiter(w)
			// A release may have handed this waiter the wakeup just as
			// the context fired; pass it on or it is lost and the next
			// waiter in line blocks despite an idle connection.
			select {
			case <-w:
				pool.signalWaiter()
			default:
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timeouts.Inc()
			}
			return nil, false, ctx.Err()
		}
	}
}

// leaderAddr returns the leader's address, refreshing the topology when
// the cache has no answer.
func (pool *ConnectionPool) leaderAddr(ctx context.Context) (string, error) {
	if leader, ok := pool.resolver.Leader(); ok && leader.Address != "" {
		return leader.Address, nil
	}
	if _, err := pool.resolver.Refresh(ctx, pool.anyReadyConn()); err != nil {
		return "", err
	}
	leader, ok := pool.resolver.Leader()
	if !ok || leader.Address == "" {
		return "", errors.Wrap(ErrClusterUnavailable, "no leader elected")
	}
	return leader.Address, nil
}

// dialSlot fills a reserved slot with a live connection. The dial happens
// outside the pool lock; on failure the slot is given back and the leader
// view is invalidated so the next attempt re-resolves.
func (pool *ConnectionPool) dialSlot(ctx context.Context, pc *pooledConn) (*Lease, bool, error) {
	conn, err := raftsql.ConnectContext(ctx, pc.addr, pool.connOpts)
	if err != nil {
		pool.mutex.Lock()
		pool.lockedRemove(pc)
		pool.mutex.Unlock()
		pool.signalWaiter()
		pool.resolver.ForgetLeader()
		return nil, true, errors.Wrapf(err, "connect %s", pc.addr)
	}
	pool.mutex.Lock()
	if pool.closed() {
		pool.mutex.Unlock()
		conn.Close()
		return nil, false, ErrPoolClosed
	}
	pc.conn = conn
	pc.dialing = false
	pool.mutex.Unlock()
	return pool.newLease(pc), false, nil
}

func (pool *ConnectionPool) newLease(pc *pooledConn) *Lease {
	return &Lease{pool: pool, pc: pc, SessionID: uuid.New()}
}

// lockedIdleConn returns an unleased ready connection, restricted to addr
// when addr is not empty. Round robin over the table spreads Any-affinity
// leases across nodes.
func (pool *ConnectionPool) lockedIdleConn(addr string) *pooledConn {
	n := len(pool.conns)
	if n == 0 {
		return nil
	}
	pool.rrIndex++
	for i := 0; i < n; i++ {
		pc := pool.conns[(pool.rrIndex+i)%n]
		if pc.leased || pc.dialing || pc.conn == nil {
			continue
		}
		if addr != "" && pc.addr != addr {
			continue
		}
		return pc
	}
	return nil
}

func (pool *ConnectionPool) lockedIdleAnyOther(addr string) *pooledConn {
	for _, pc := range pool.conns {
		if !pc.leased && !pc.dialing && pc.conn != nil && pc.addr != addr {
			return pc
		}
	}
	return nil
}

// lockedNextAddr picks the next node address for an Any-affinity dial,
// cycling through the known topology.
func (pool *ConnectionPool) lockedNextAddr() string {
	snapshot := pool.resolver.Snapshot()
	addrs := make([]string, 0, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		if n.Address != "" {
			addrs = append(addrs, n.Address)
		}
	}
	if len(addrs) == 0 {
		addrs = pool.addrs
	}
	pool.rrIndex++
	return addrs[pool.rrIndex%len(addrs)]
}

func (pool *ConnectionPool) lockedRemove(pc *pooledConn) {
	for i, cur := range pool.conns {
		if cur == pc {
			pool.conns = append(pool.conns[:i], pool.conns[i+1:]...)
			return
		}
	}
}

func (pool *ConnectionPool) dropWaiter(w chan struct{}) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	for i, cur := range pool.waiters {
		if cur == w {
			pool.waiters = append(pool.waiters[:i], pool.waiters[i+1:]...)
			return
		}
	}
}

// signalWaiter wakes one blocked acquire, if any.
func (pool *ConnectionPool) signalWaiter() {
	pool.mutex.Lock()
	var w chan struct{}
	if len(pool.waiters) > 0 {
		w = pool.waiters[0]
		pool.waiters = pool.waiters[1:]
	}
	pool.mutex.Unlock()
	if w != nil {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// release returns a leased connection to the table, dropping it when it is
// no longer usable.
func (pool *ConnectionPool) release(pc *pooledConn) {
	pool.mutex.Lock()
	pc.leased = false
	if pc.conn == nil || !pc.conn.ConnectedNow() {
		pool.lockedRemove(pc)
	}
	pool.mutex.Unlock()
	pool.signalWaiter()
	releases.Inc()
}

// evict drops a connection from the table and closes it. Used on the
// failure path: a connection that timed out or lost its node must never be
// handed out again.
func (pool *ConnectionPool) evict(pc *pooledConn) {
	pool.mutex.Lock()
	pool.lockedRemove(pc)
	pool.mutex.Unlock()
	if pc.conn != nil {
		pc.conn.Close()
	}
	pool.signalWaiter()
	evictions.Inc()
}

// anyReadyConn returns some unleased ready connection for topology probes,
// nil when there is none.
func (pool *ConnectionPool) anyReadyConn() *raftsql.Connection {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	for _, pc := range pool.conns {
		if !pc.leased && !pc.dialing && pc.conn != nil && pc.conn.ConnectedNow() {
			return pc.conn
		}
	}
	return nil
}

// refreshAsync re-resolves the topology in the background, typically after
// an eviction.
func (pool *ConnectionPool) refreshAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pool.opts.ConnectTimeout)
		defer cancel()
		if _, err := pool.resolver.Refresh(ctx, pool.anyReadyConn()); err != nil {
			log.Printf("raftsql: topology refresh failed: %s", err)
		}
	}()
}

// checker watches connection events and runs the periodic topology
// refresh.
func (pool *ConnectionPool) checker() {
	interval := pool.opts.RefreshInterval
	if interval <= 0 {
		// Ticker needs a period even when disabled; fires are ignored.
		interval = time.Hour
	}
	refreshTimer := time.NewTicker(interval)
	defer refreshTimer.Stop()

	for {
		select {
		case <-pool.control:
			return
		case e := <-pool.notify:
			if pool.closed() {
				return
			}
			if e.Kind != raftsql.Failed {
				continue
			}
			pool.mutex.Lock()
			var failed *pooledConn
			for _, pc := range pool.conns {
				if pc.conn == e.Conn && !pc.leased {
					failed = pc
					break
				}
			}
			if failed != nil {
				pool.lockedRemove(failed)
			}
			pool.mutex.Unlock()
			if failed != nil {
				pool.signalWaiter()
				evictions.Inc()
				log.Printf("raftsql: connection to %s failed: %v", e.Conn.Addr(), e.Conn.LastError())
			}
		case <-refreshTimer.C:
			if pool.opts.RefreshInterval <= 0 || pool.closed() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), pool.opts.ConnectTimeout)
			if _, err := pool.resolver.Refresh(ctx, pool.anyReadyConn()); err != nil {
				log.Printf("raftsql: periodic topology refresh failed: %s", err)
			}
			cancel()
		}
	}
}

// Execute acquires a leader lease for the duration of one statement. It
// never resubmits a statement on failure: SQL may not be idempotent, so a
// failed execute is surfaced to the caller, who decides whether to retry.
func (pool *ConnectionPool) Execute(ctx context.Context, sql string, params ...interface{}) (raftsql.Result, error) {
	lease, err := pool.Acquire(ctx, Leader)
	if err != nil {
		return raftsql.Result{}, err
	}
	session := lease.Session()
	defer session.Finish()
	return session.Execute(ctx, sql, params...)
}

// Fetch acquires an Any-affinity lease for the duration of one query and
// returns the rows as column-name keyed maps.
func (pool *ConnectionPool) Fetch(ctx context.Context, sql string, params ...interface{}) ([]map[string]interface{}, error) {
	lease, err := pool.Acquire(ctx, Any)
	if err != nil {
		return nil, err
	}
	session := lease.Session()
	defer session.Finish()
	return session.Fetch(ctx, sql, params...)
}
