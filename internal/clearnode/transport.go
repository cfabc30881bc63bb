package clearnode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a frame to the node.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second
)

// Transport is the duplex frame stream to the node. *websocket.Conn
// satisfies it; tests substitute an in-memory pipe.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a new transport to url.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport adds write deadlines and a close frame to a gorilla conn.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *wsTransport) WriteMessage(messageType int, data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// link is one dialled transport. Writes are serialised; done is closed once
// the transport is torn down.
type link struct {
	tr      Transport
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(tr Transport) *link {
	return &link{tr: tr, done: make(chan struct{})}
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return websocket.ErrCloseSent
	default:
	}
	return l.tr.WriteMessage(websocket.TextMessage, data)
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.tr.Close()
	})
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
