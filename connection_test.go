package raftsql_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/raftsql/go-raftsql"
	"github.com/raftsql/go-raftsql/test_helpers"
)

var connOpts = raftsql.Opts{
	ConnectTimeout: 2 * time.Second,
	RequestTimeout: 2 * time.Second,
}

func startNode(t *testing.T, opts test_helpers.NodeOpts) *test_helpers.Node {
	t.Helper()
	node, err := test_helpers.StartNode(opts)
	assert.NilError(t, err)
	t.Cleanup(node.Stop)
	return node
}

func TestConnectHandshake(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})

	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	assert.Assert(t, conn.ConnectedNow())
	assert.Equal(t, conn.State(), raftsql.StateReady)
	assert.Equal(t, conn.HeartbeatTimeout(), test_helpers.HeartbeatTimeoutMs*time.Millisecond)
	assert.Equal(t, conn.Addr(), node.Addr())
}

func TestConnectRefused(t *testing.T) {
	_, err := raftsql.Connect("127.0.0.1:1", connOpts)
	assert.Assert(t, err != nil)
}

func TestExecute(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	res, err := conn.Execute(context.Background(), "INSERT INTO t VALUES (?)", 1)
	assert.NilError(t, err)
	assert.Equal(t, res.RowsAffected, uint64(1))
	assert.Equal(t, res.LastInsertID, uint64(1))

	executed := node.Executed()
	assert.Equal(t, len(executed), 1)
	assert.Equal(t, executed[0], "INSERT INTO t VALUES (?)")
}

func TestExecuteSQLError(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{
		ID: 1,
		OnExec: func(sql string, params []raftsql.Value) (raftsql.Result, error) {
			return raftsql.Result{}, fmt.Errorf("near \"BOGUS\": syntax error")
		},
	})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	_, err = conn.Execute(context.Background(), "BOGUS SQL")
	sqlErr, ok := err.(raftsql.Error)
	assert.Assert(t, ok, "expected raftsql.Error, got %T", err)
	assert.Assert(t, sqlErr.Code != 0)
	// A SQL error leaves the connection usable.
	assert.Assert(t, conn.ConnectedNow())
}

func TestQuery(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	rows, err := conn.Query(context.Background(), "SELECT id, name FROM t")
	assert.NilError(t, err)
	assert.DeepEqual(t, rows.Columns, []string{"id", "name"})
	assert.Equal(t, len(rows.Rows), 1)
	assert.Equal(t, rows.Rows[0][0].Interface(), int64(1))
	assert.Equal(t, rows.Rows[0][1].Interface(), "test")
}

func TestQueryMultiPart(t *testing.T) {
	var want [][]raftsql.Value
	for i := 0; i < 5; i++ {
		want = append(want, []raftsql.Value{raftsql.Integer(int64(i))})
	}
	node := startNode(t, test_helpers.NodeOpts{
		ID:            1,
		RowsBatchSize: 2,
		OnQuery: func(sql string, params []raftsql.Value) (raftsql.Rows, error) {
			return raftsql.Rows{
				Columns: []string{"n"},
				Tags:    []uint8{raftsql.TagInteger},
				Rows:    want,
			}, nil
		},
	})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	rows, err := conn.Query(context.Background(), "SELECT n FROM seq")
	assert.NilError(t, err)
	assert.Equal(t, len(rows.Rows), 5)
	for i, row := range rows.Rows {
		assert.Equal(t, row[0].Interface(), int64(i))
	}
}

func TestQueryLongBatchChain(t *testing.T) {
	// One frame per row: the server dictates how many batches a result
	// chains into and the client must absorb the whole stream, however
	// far ahead of the consumer the reader gets.
	const total = 2000
	var want [][]raftsql.Value
	for i := 0; i < total; i++ {
		want = append(want, []raftsql.Value{raftsql.Integer(int64(i))})
	}
	node := startNode(t, test_helpers.NodeOpts{
		ID:            1,
		RowsBatchSize: 1,
		OnQuery: func(sql string, params []raftsql.Value) (raftsql.Rows, error) {
			return raftsql.Rows{
				Columns: []string{"n"},
				Tags:    []uint8{raftsql.TagInteger},
				Rows:    want,
			}, nil
		},
	})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	rows, err := conn.Query(context.Background(), "SELECT n FROM seq")
	assert.NilError(t, err)
	assert.Equal(t, len(rows.Rows), total)
	for i, row := range rows.Rows {
		assert.Equal(t, row[0].Interface(), int64(i))
	}
	assert.Assert(t, conn.ConnectedNow())
}

func TestQueryBadBatchKeepsConnection(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{
		ID:            1,
		RowsBatchSize: 1,
		OnQuery: func(sql string, params []raftsql.Value) (raftsql.Rows, error) {
			// Integer cells under a declared float column: every batch
			// fails to decode on the client.
			return raftsql.Rows{
				Columns: []string{"n"},
				Tags:    []uint8{raftsql.TagFloat},
				Rows: [][]raftsql.Value{
					{raftsql.Integer(1)},
					{raftsql.Integer(2)},
					{raftsql.Integer(3)},
				},
			}, nil
		},
	})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	_, err = conn.Query(context.Background(), "SELECT n FROM t")
	cliErr, ok := err.(raftsql.ClientError)
	assert.Assert(t, ok, "expected ClientError, got %T", err)
	assert.Equal(t, cliErr.Code, uint32(raftsql.ErrDecoding))

	// The batches still in flight are discarded, not treated as
	// responses to an unknown request: the connection stays usable.
	res, err := conn.Execute(context.Background(), "INSERT INTO t VALUES (1)")
	assert.NilError(t, err)
	assert.Equal(t, res.RowsAffected, uint64(1))
	assert.Assert(t, conn.ConnectedNow())
}

func TestFetch(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	rows, err := conn.Fetch(context.Background(), "SELECT id, name FROM t")
	assert.NilError(t, err)
	assert.Equal(t, len(rows), 1)
	assert.Equal(t, rows[0]["id"], int64(1))
	assert.Equal(t, rows[0]["name"], "test")

	one, err := conn.FetchOne(context.Background(), "SELECT id, name FROM t")
	assert.NilError(t, err)
	assert.Equal(t, one["name"], "test")

	val, err := conn.FetchValue(context.Background(), "SELECT id FROM t")
	assert.NilError(t, err)
	assert.Equal(t, val, int64(1))
}

func TestPrepareExecute(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	stmt, err := conn.Prepare(context.Background(), "INSERT INTO t VALUES (?, ?)")
	assert.NilError(t, err)
	assert.Equal(t, stmt.NumParams, uint32(2))

	res, err := stmt.Execute(context.Background(), 1, "a")
	assert.NilError(t, err)
	assert.Equal(t, res.RowsAffected, uint64(1))

	rows, err := stmt.Query(context.Background(), 2, "b")
	assert.NilError(t, err)
	assert.Equal(t, len(rows.Rows), 1)

	assert.NilError(t, stmt.Close(context.Background()))
}

func TestStatementDiesWithConnection(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)

	stmt, err := conn.Prepare(context.Background(), "SELECT ?")
	assert.NilError(t, err)

	conn.Close()

	// A handle must never be replayed against a stale id.
	_, err = stmt.Execute(context.Background(), 1)
	cliErr, ok := err.(raftsql.ClientError)
	assert.Assert(t, ok, "expected ClientError, got %T", err)
	assert.Equal(t, cliErr.Code, uint32(raftsql.ErrConnectionClosed))
}

func TestConcurrentRequests(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	// The protocol pipelines: many requests in flight on one connection,
	// each response matched back strictly by request id.
	const workers = 16
	const perWorker = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := conn.Execute(context.Background(), "INSERT INTO t VALUES (1)"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent execute failed: %s", err)
	}
	assert.Equal(t, len(node.Executed()), workers*perWorker)
}

func TestNodeDeathFailsPending(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)

	node.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != raftsql.StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, conn.State(), raftsql.StateFailed)

	_, err = conn.Execute(context.Background(), "INSERT INTO t VALUES (1)")
	cliErr, ok := err.(raftsql.ClientError)
	assert.Assert(t, ok, "expected ClientError, got %T", err)
	assert.Equal(t, cliErr.Code, uint32(raftsql.ErrConnectionClosed))
}

func TestCloseRejectsNewRequests(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)

	assert.NilError(t, conn.Close())
	assert.Assert(t, conn.ClosedNow())

	_, err = conn.Execute(context.Background(), "INSERT INTO t VALUES (1)")
	assert.Assert(t, err != nil)
}

func TestCloseWaitsForPending(t *testing.T) {
	release := make(chan struct{})
	node := startNode(t, test_helpers.NodeOpts{
		ID: 1,
		OnQuery: func(sql string, params []raftsql.Value) (raftsql.Rows, error) {
			<-release
			return raftsql.Rows{
				Columns: []string{"id"},
				Tags:    []uint8{raftsql.TagInteger},
				Rows:    [][]raftsql.Value{{raftsql.Integer(1)}},
			}, nil
		},
	})
	opts := connOpts
	opts.RequestTimeout = 5 * time.Second
	conn, err := raftsql.Connect(node.Addr(), opts)
	assert.NilError(t, err)

	type result struct {
		rows raftsql.Rows
		err  error
	}
	got := make(chan result, 1)
	go func() {
		rows, err := conn.Query(context.Background(), "SELECT id FROM t")
		got <- result{rows, err}
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	// Close must return as soon as the pending query resolves, well
	// before the five second grace period runs out.
	start := time.Now()
	assert.NilError(t, conn.Close())
	assert.Assert(t, time.Since(start) < 2*time.Second, "drain took %s", time.Since(start))

	r := <-got
	assert.NilError(t, r.err)
	assert.Equal(t, len(r.rows.Rows), 1)
}

func TestLeaderQuery(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 3})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	id, addr, err := conn.Leader(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, id, uint64(3))
	// A standalone node is its own leader, reported as an empty address.
	assert.Equal(t, addr, "")

	nodes, err := conn.Cluster(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, len(nodes), 1)
	assert.Equal(t, nodes[0].ID, uint64(3))
	assert.Equal(t, nodes[0].Role, raftsql.RoleVoter)
}

func TestInterrupt(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})
	conn, err := raftsql.Connect(node.Addr(), connOpts)
	assert.NilError(t, err)
	defer conn.Close()

	assert.NilError(t, conn.Interrupt(context.Background()))
}

func TestNotifyEvents(t *testing.T) {
	node := startNode(t, test_helpers.NodeOpts{ID: 1})

	notify := make(chan raftsql.ConnEvent, 4)
	opts := connOpts
	opts.Notify = notify

	conn, err := raftsql.Connect(node.Addr(), opts)
	assert.NilError(t, err)

	select {
	case e := <-notify:
		assert.Equal(t, e.Kind, raftsql.Connected)
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}

	node.Stop()
	select {
	case e := <-notify:
		assert.Equal(t, e.Kind, raftsql.Failed)
		assert.Equal(t, e.Conn, conn)
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event")
	}
}
