package wsrpc

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebSocketAdapter is the default socket provider, built on
// github.com/gorilla/websocket. The zero value is ready to use.
type WebSocketAdapter struct {
	// Dialer overrides the dialer used for outbound connections.
	Dialer *websocket.Dialer
}

// Connect dials the WebSocket endpoint and starts delivering inbound frames
// to opts.OnMessage. The handshake honors ctx.
func (a *WebSocketAdapter) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	dialer := a.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %s", opts.URL, resp.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", opts.URL)
	}
	c := newWSConn(ws)
	c.start(opts.OnMessage, opts.OnClose)
	return c, nil
}

var upgrader = websocket.Upgrader{
	// The handshake carries no application payload; origin policy belongs to
	// the HTTP layer in front of the server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// upgradeWebSocket accepts an inbound upgrade request and wraps the socket.
// The returned connection is not started; the server binds its transport
// first.
func upgradeWebSocket(w http.ResponseWriter, r *http.Request) (*wsConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade")
	}
	return newWSConn(ws), nil
}

// wsConn adapts a gorilla connection to the Conn contract: one read pump
// goroutine pushing frames out, writes serialized by a mutex, close reported
// exactly once.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	onMessage func(data []byte, binary bool)
	onClose   func(info CloseInfo)

	closed    atomic.Bool
	closeOnce sync.Once
	closedCh  chan CloseInfo
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:       ws,
		closedCh: make(chan CloseInfo, 1),
	}
}

func (c *wsConn) start(onMessage func(data []byte, binary bool), onClose func(info CloseInfo)) {
	c.onMessage = onMessage
	c.onClose = onClose
	go c.readPump()
}

func (c *wsConn) readPump() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			info := CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				info = CloseInfo{Code: closeErr.Code, Reason: closeErr.Text}
			}
			_ = c.ws.Close()
			c.fireClose(info)
			return
		}
		if c.onMessage != nil {
			c.onMessage(data, messageType == websocket.BinaryMessage)
		}
	}
}

func (c *wsConn) Send(data []byte, binary bool) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	// Best effort: the peer may already be gone.
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	err := c.ws.Close()
	c.fireClose(CloseInfo{Code: code, Reason: reason})
	return err
}

func (c *wsConn) Closed() <-chan CloseInfo {
	return c.closedCh
}

func (c *wsConn) fireClose(info CloseInfo) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closedCh <- info
		close(c.closedCh)
		if c.onClose != nil {
			c.onClose(info)
		}
	})
}
