package test_helpers

import (
	"fmt"
	"sync"
)

// Cluster is a set of fake nodes sharing a leadership view. Tests move
// leadership between nodes or kill them to exercise client failover.
type Cluster struct {
	mu       sync.Mutex
	nodes    []*Node
	leaderID uint64
}

// StartCluster starts size fake nodes; the first one is the initial leader.
func StartCluster(size int, opts NodeOpts) (*Cluster, error) {
	if size < 1 {
		return nil, fmt.Errorf("cluster size must be positive")
	}
	cluster := &Cluster{}
	for i := 0; i < size; i++ {
		nodeOpts := opts
		nodeOpts.ID = uint64(i + 1)
		node, err := StartNode(nodeOpts)
		if err != nil {
			cluster.Stop()
			return nil, err
		}
		node.cluster = cluster
		cluster.nodes = append(cluster.nodes, node)
	}
	cluster.leaderID = cluster.nodes[0].Opts.ID
	return cluster, nil
}

// Addresses returns every node's listen address, in node id order.
func (cluster *Cluster) Addresses() []string {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	addrs := make([]string, len(cluster.nodes))
	for i, n := range cluster.nodes {
		addrs[i] = n.Addr()
	}
	return addrs
}

// Nodes returns the cluster's nodes.
func (cluster *Cluster) Nodes() []*Node {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	out := make([]*Node, len(cluster.nodes))
	copy(out, cluster.nodes)
	return out
}

// Node returns the node with the given index (0-based).
func (cluster *Cluster) Node(i int) *Node {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	return cluster.nodes[i]
}

// LeaderID returns the id of the current leader, zero if there is none.
func (cluster *Cluster) LeaderID() uint64 {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	return cluster.leaderID
}

// Leader returns the current leader node, nil if leadership is vacant.
func (cluster *Cluster) Leader() *Node {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	for _, n := range cluster.nodes {
		if n.Opts.ID == cluster.leaderID {
			return n
		}
	}
	return nil
}

// SetLeader moves leadership to the node with the given index.
func (cluster *Cluster) SetLeader(i int) {
	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	cluster.leaderID = cluster.nodes[i].Opts.ID
}

// KillLeader stops the current leader and elects the next live node,
// returning the killed node.
func (cluster *Cluster) KillLeader() *Node {
	cluster.mu.Lock()
	old := cluster.leaderID
	var killed *Node
	for _, n := range cluster.nodes {
		if n.Opts.ID == old {
			killed = n
			break
		}
	}
	for _, n := range cluster.nodes {
		if n.Opts.ID != old && !n.stoppedNow() {
			cluster.leaderID = n.Opts.ID
			break
		}
	}
	cluster.mu.Unlock()

	if killed != nil {
		killed.Stop()
	}
	return killed
}

// Stop stops every node.
func (cluster *Cluster) Stop() {
	for _, n := range cluster.Nodes() {
		n.Stop()
	}
}

func (n *Node) stoppedNow() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}
