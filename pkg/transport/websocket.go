package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer dials tail endpoints over websocket
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer that negotiates the trace sub-protocol
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{SubProtocol},
		},
	}
}

// Dial opens a websocket connection to endpoint
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return &websocketConn{ws: ws, endpoint: endpoint, closed: make(chan struct{})}, nil
}

type websocketConn struct {
	ws       *websocket.Conn
	endpoint string

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Read returns the payload of the next data message. Control frames are
// handled by the websocket library.
func (c *websocketConn) Read() ([]byte, error) {
	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, &ConnectionError{Endpoint: c.endpoint, Err: ErrRemoteClosed}
			}
			return nil, &ConnectionError{Endpoint: c.endpoint, Err: err}
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// Close sends a close frame and releases the connection
func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

var (
	// ErrClosed is returned by Read after the local side closed the stream
	ErrClosed = errors.New("stream closed")
	// ErrRemoteClosed means the endpoint ended the stream cleanly
	ErrRemoteClosed = errors.New("stream closed by remote")
)
