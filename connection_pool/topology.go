package connection_pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/raftsql/go-raftsql"
)

// Topology is a consistent snapshot of the resolver's cluster view.
type Topology struct {
	Nodes         []raftsql.NodeInfo
	LeaderID      uint64
	LastRefreshed time.Time
}

// Leader returns the leader's descriptor from the snapshot.
func (t Topology) Leader() (raftsql.NodeInfo, bool) {
	if t.LeaderID == 0 {
		return raftsql.NodeInfo{}, false
	}
	for _, n := range t.Nodes {
		if n.ID == t.LeaderID {
			return n, true
		}
	}
	return raftsql.NodeInfo{}, false
}

// Resolver tracks cluster membership and leadership. It has a single
// writer at a time: refreshes are serialized and concurrent callers of
// Refresh await the in-flight one instead of issuing duplicate probes.
type Resolver struct {
	seeds    []string
	connOpts raftsql.Opts

	mu       sync.RWMutex
	topology Topology
	inflight chan struct{}
	lastErr  error
}

// NewResolver creates a resolver seeded with the given addresses. The
// seeds are treated as voters of unknown id until the first refresh.
func NewResolver(seeds []string, connOpts raftsql.Opts) *Resolver {
	r := &Resolver{seeds: seeds, connOpts: connOpts}
	nodes := make([]raftsql.NodeInfo, len(seeds))
	for i, addr := range seeds {
		nodes[i] = raftsql.NodeInfo{ID: 0, Address: addr, Role: raftsql.RoleUnknown}
	}
	r.topology = Topology{Nodes: nodes}
	return r
}

// Snapshot returns the current topology.
func (r *Resolver) Snapshot() Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.topology
	t.Nodes = append([]raftsql.NodeInfo(nil), r.topology.Nodes...)
	return t
}

// Leader returns the cached leader without any I/O.
func (r *Resolver) Leader() (raftsql.NodeInfo, bool) {
	return r.Snapshot().Leader()
}

// Nodes returns the cached cluster membership without any I/O.
func (r *Resolver) Nodes() []raftsql.NodeInfo {
	return r.Snapshot().Nodes
}

// SetLeader updates the cached leader directly, used when a not-leader
// redirect already names the new leader and a describe round trip would be
// wasted.
func (r *Resolver) SetLeader(id uint64, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for i, n := range r.topology.Nodes {
		if n.Address == address {
			if id != 0 {
				r.topology.Nodes[i].ID = id
			}
			id = r.topology.Nodes[i].ID
			found = true
			break
		}
	}
	if !found {
		r.topology.Nodes = append(r.topology.Nodes, raftsql.NodeInfo{
			ID: id, Address: address, Role: raftsql.RoleUnknown,
		})
	}
	r.topology.LeaderID = id
	r.topology.LastRefreshed = time.Now()
}

// ForgetLeader drops the cached leader so the next lookup forces a
// refresh. Called when a connect to the supposed leader fails.
func (r *Resolver) ForgetLeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topology.LeaderID = 0
}

// addresses returns every address worth probing: cached members first,
// then any seed not already known.
func (r *Resolver) addresses() []string {
	snapshot := r.Snapshot()
	seen := make(map[string]bool, len(snapshot.Nodes))
	addrs := make([]string, 0, len(snapshot.Nodes)+len(r.seeds))
	for _, n := range snapshot.Nodes {
		if n.Address != "" && !seen[n.Address] {
			seen[n.Address] = true
			addrs = append(addrs, n.Address)
		}
	}
	for _, addr := range r.seeds {
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Refresh re-resolves the topology by querying cluster state. When via is a
// ready connection it is asked first; otherwise (and on failure) every
// known address is probed in turn. Concurrent refreshes coalesce onto the
// in-flight one.
func (r *Resolver) Refresh(ctx context.Context, via *raftsql.Connection) (Topology, error) {
	r.mu.Lock()
	if r.inflight != nil {
		done := r.inflight
		r.mu.Unlock()
		select {
		case <-done:
			r.mu.RLock()
			t := r.topology
			t.Nodes = append([]raftsql.NodeInfo(nil), t.Nodes...)
			err := r.lastErr
			r.mu.RUnlock()
			return t, err
		case <-ctx.Done():
			return Topology{}, ctx.Err()
		}
	}
	done := make(chan struct{})
	r.inflight = done
	r.mu.Unlock()

	topology, err := r.resolve(ctx, via)

	r.mu.Lock()
	if err == nil {
		r.topology = topology
	}
	r.lastErr = err
	r.inflight = nil
	close(done)
	r.mu.Unlock()

	refreshes.Inc()
	return topology, err
}

func (r *Resolver) resolve(ctx context.Context, via *raftsql.Connection) (Topology, error) {
	if via != nil && via.ConnectedNow() {
		if t, err := describe(ctx, via, via.Addr()); err == nil {
			return t, nil
		}
	}

	var failures []string
	for _, addr := range r.addresses() {
		t, err := r.probe(ctx, addr)
		if err != nil {
			failures = append(failures, addr+": "+err.Error())
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return t, nil
	}
	return Topology{}, errors.Wrap(ErrClusterUnavailable,
		"could not resolve leader: "+strings.Join(failures, "; "))
}

// probe dials addr just long enough to ask for cluster state.
func (r *Resolver) probe(ctx context.Context, addr string) (Topology, error) {
	conn, err := raftsql.ConnectContext(ctx, addr, r.connOpts)
	if err != nil {
		return Topology{}, err
	}
	defer conn.Close()
	return describe(ctx, conn, addr)
}

// describe asks one node for the leader and the membership. An empty
// leader address in the reply means the contacted node is the leader.
func describe(ctx context.Context, conn *raftsql.Connection, contacted string) (Topology, error) {
	leaderID, leaderAddr, err := conn.Leader(ctx)
	if err != nil {
		return Topology{}, err
	}
	if leaderAddr == "" {
		leaderAddr = contacted
	}
	nodes, err := conn.Cluster(ctx)
	if err != nil {
		return Topology{}, err
	}
	t := Topology{Nodes: nodes, LastRefreshed: time.Now()}
	for _, n := range nodes {
		if n.ID == leaderID || n.Address == leaderAddr {
			t.LeaderID = n.ID
			break
		}
	}
	if t.LeaderID == 0 && leaderID != 0 {
		// Leader not in the reported membership, trust the redirect.
		t.Nodes = append(t.Nodes, raftsql.NodeInfo{
			ID: leaderID, Address: leaderAddr, Role: raftsql.RoleUnknown,
		})
		t.LeaderID = leaderID
	}
	return t, nil
}
