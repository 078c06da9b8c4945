package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"yuim/chatsync/internal/metrics"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxFrameBytes  = 8 << 20
	closeGoingAway = websocket.CloseGoingAway
)

var errClientClosed = errors.New("client closed")

// Client is one websocket. Only writeLoop writes data frames; Send never blocks.
type Client struct {
	ID  string
	UID string

	ws           *websocket.Conn
	out          chan []byte
	writeTimeout time.Duration

	once   sync.Once
	closed chan struct{}

	// markOnline rewrites the user's presence through this socket's connection.
	markOnline func()
}

func newClient(id, uid string, ws *websocket.Conn, queue int, writeTimeout time.Duration) *Client {
	return &Client{
		ID:           id,
		UID:          uid,
		ws:           ws,
		out:          make(chan []byte, queue),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send queues b. A full queue closes the socket.
func (c *Client) Send(b []byte) error {
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		metrics.WSBackpressure.Inc()
		c.Close(websocket.ClosePolicyViolation, "outbound queue full")
		return errClientClosed
	}
}

// Close sends a close frame and tears the socket down. The read loop then ends.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
		_ = c.ws.Close()
	})
}

func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) writeLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-t.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Client) prepareRead() {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
