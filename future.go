package raftsql

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is the pending result of one request. A request that produces a
// multi-part result (query row batches) delivers several responses through
// the same future; the caller keeps waiting until the final batch. The
// response queue is unbounded: the server dictates how many batches a
// result chains into, and a well-formed in-order response must never be
// dropped.
type Future struct {
	requestID uint32
	abandoned uint32

	mu    sync.Mutex
	queue []Response

	wake chan struct{}
	done chan struct{}
	err  error
}

func newFuture(requestID uint32) *Future {
	return &Future{
		requestID: requestID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// push queues one response frame and wakes the waiter.
func (fut *Future) push(resp Response) {
	fut.mu.Lock()
	fut.queue = append(fut.queue, resp)
	fut.mu.Unlock()
	select {
	case fut.wake <- struct{}{}:
	default:
	}
}

func (fut *Future) pop() (Response, bool) {
	fut.mu.Lock()
	defer fut.mu.Unlock()
	if len(fut.queue) == 0 {
		return Response{}, false
	}
	resp := fut.queue[0]
	fut.queue = fut.queue[1:]
	return resp, true
}

// fail resolves the future with err. Must be called at most once.
func (fut *Future) fail(err error) {
	fut.err = err
	close(fut.done)
}

// abandon marks the rest of the future's response stream as unwanted. The
// reader keeps accepting frames for the request id and discards them, so a
// caller giving up mid-stream does not poison the connection.
func (fut *Future) abandon() {
	atomic.StoreUint32(&fut.abandoned, 1)
}

func (fut *Future) abandonedNow() bool {
	return atomic.LoadUint32(&fut.abandoned) != 0
}

// wait blocks until the next response, the future fails, or ctx expires.
// A deadline expiry is reported as a timeout client error.
func (fut *Future) wait(ctx context.Context) (Response, error) {
	for {
		if resp, ok := fut.pop(); ok {
			return resp, nil
		}
		select {
		case <-fut.wake:
		case <-fut.done:
			return Response{}, fut.err
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Response{}, ClientError{ErrTimeout, "request timed out"}
			}
			return Response{}, ctx.Err()
		}
	}
}
