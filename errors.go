package raftsql

import "fmt"

// Error is a failure reported by the remote SQL engine (syntax error,
// constraint violation, ...). It is deterministic and never worth an
// automatic retry.
type Error struct {
	Code uint64
	Msg  string
}

func (e Error) Error() string {
	return fmt.Sprintf("sql error %d: %s", e.Code, e.Msg)
}

// Retriable always reports false: the engine already rejected the statement.
func (e Error) Retriable() bool {
	return false
}

// ClientError is a failure detected on the client side of the wire.
type ClientError struct {
	Code uint32
	Msg  string
}

// ClientError codes.
const (
	ErrConnectionNotReady = 0x4000 + iota
	ErrConnectionClosed
	ErrFraming
	ErrDecoding
	ErrProtocol
	ErrTimeout
	ErrVersionMismatch
)

func (e ClientError) Error() string {
	return fmt.Sprintf("client error %#x: %s", e.Code, e.Msg)
}

// Retriable reports whether the operation may be retried on a fresh
// connection. Framing and decoding failures indicate a codec bug or
// corrupted stream and are not retriable; a lost or timed out connection
// may simply mean the node went away.
func (e ClientError) Retriable() bool {
	switch e.Code {
	case ErrConnectionNotReady, ErrConnectionClosed, ErrTimeout:
		return true
	}
	return false
}

// NotLeaderError is returned when a write is attempted against a node that
// is not the current leader. Leader carries the redirect target when the
// contacted node knows it; an empty address means the leader is unknown and
// the topology must be re-resolved.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e NotLeaderError) Error() string {
	if e.LeaderAddr == "" {
		return "node is not the leader"
	}
	return fmt.Sprintf("node is not the leader, redirect to %s", e.LeaderAddr)
}

func (e NotLeaderError) Retriable() bool {
	return true
}

func framingError(format string, args ...interface{}) error {
	return ClientError{ErrFraming, fmt.Sprintf(format, args...)}
}

func decodingError(format string, args ...interface{}) error {
	return ClientError{ErrDecoding, fmt.Sprintf(format, args...)}
}

func protocolError(format string, args ...interface{}) error {
	return ClientError{ErrProtocol, fmt.Sprintf(format, args...)}
}
