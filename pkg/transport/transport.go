package transport

import (
	"context"
	"fmt"
)

// SubProtocol is the websocket sub-protocol spoken by tail endpoints
const SubProtocol = "trace-v1"

// ConnectionError reports a transport failure on a stream endpoint
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Conn is one open stream. Read blocks until the next message arrives or
// the stream ends. Close is safe to call more than once and unblocks a
// pending Read.
type Conn interface {
	Read() ([]byte, error)
	Close() error
}

// Dialer opens streams to credential endpoints
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
