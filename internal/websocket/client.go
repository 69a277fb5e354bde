package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write; a peer that cannot take a
	// frame within it is cut loose.
	writeWait = 10 * time.Second

	// pongWait is the silence budget: the read loop resets its deadline on
	// every pong, and pings go out at pingPeriod so a healthy peer always
	// answers in time.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// The protocol is server-push; peers send nothing but control frames.
	maxMessageSize = 512

	// sendBufferSize is the per-peer outbound queue. Overflow means the
	// peer is too slow and the hub disconnects it.
	sendBufferSize = 32
)

// Origin checks belong to the fronting proxy; the API itself sits on an
// admin network.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one connected websocket peer. The hub feeds its send channel;
// a write loop owns the wire (gorilla connections allow one writer) and a
// read loop watches for disconnect and pong frames.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	topics []string
	logger *zap.Logger
}

// NewClient upgrades the request to a websocket connection subscribed to
// the given topics. On upgrade failure the upgrader has already written the
// error response.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("peer", r.RemoteAddr)),
	}, nil
}

// Run attaches the client to the hub and pumps the connection until it
// closes. Blocking inside the HTTP handler is expected here.
func (c *Client) Run() {
	c.hub.Subscribe(c)
	go c.writeLoop()
	c.readLoop()
}

// readLoop discards inbound frames; its job is liveness. Every pong pushes
// the read deadline out, so the loop returns as soon as the peer goes
// quiet or hangs up, which detaches the client from the hub.
func (c *Client) readLoop() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("websocket read deadline rejected", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("websocket peer closed abnormally", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop serializes hub messages and keepalive pings onto the wire. It
// exits when the hub closes the send channel or any write fails.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
