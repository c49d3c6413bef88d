package chat

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/protocol"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	maxFrameSize  = 1 << 20
	sendQueueSize = 256
)

type outFrame struct {
	messageType int
	data        []byte
}

// Connection wraps one physical socket. It owns framing, the outbound write
// pump and the transient per-connection metadata parsed once at handshake
// time. A Connection belongs to exactly one Session and at most one Room.
type Connection struct {
	id        string
	conn      *websocket.Conn
	server    *Server
	ip        string
	userAgent string

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan outFrame

	mu      sync.RWMutex
	closed  bool
	session *Session
	room    *Room

	detachOnce sync.Once
}

func newConnection(server *Server, conn *websocket.Conn, ip, userAgent string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		id:        uuid.New().String(),
		conn:      conn,
		server:    server,
		ip:        ip,
		userAgent: trimUserAgent(userAgent),
		ctx:       ctx,
		cancel:    cancel,
		sendCh:    make(chan outFrame, sendQueueSize),
	}

	go c.writePump()

	return c
}

// clientIP extracts the originating address, preferring the first
// X-Forwarded-For hop when the server sits behind a reverse proxy.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func trimUserAgent(ua string) string {
	if len(ua) > 256 {
		return ua[:256]
	}
	return ua
}

// ID returns the unique identifier assigned at accept time.
func (c *Connection) ID() string { return c.id }

// Server returns the owning server.
func (c *Connection) Server() *Server { return c.server }

// IP returns the originating address.
func (c *Connection) IP() string { return c.ip }

// UserAgent returns the device string captured at handshake.
func (c *Connection) UserAgent() string { return c.userAgent }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Session returns the owning session.
func (c *Connection) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Room returns the current room, nil when roomless.
func (c *Connection) Room() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Connection) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Connection) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// IsAlive reports whether the socket is still usable.
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Send serializes an event envelope and queues it for delivery. It never
// fails hard: broadcast fan-out to N connections cannot fail atomically, so
// a closed socket or a full queue only drops the frame for this connection.
func (c *Connection) Send(event string, data interface{}) error {
	frame, err := protocol.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{messageType: websocket.TextMessage, data: frame})
}

// SendBinary queues a pre-encoded tagged binary frame.
func (c *Connection) SendBinary(frame []byte) error {
	return c.enqueue(outFrame{messageType: websocket.BinaryMessage, data: frame})
}

// SendError reports a user-visible error on this connection only.
func (c *Connection) SendError(err error) {
	if err == nil {
		return
	}
	_ = c.Send(skychat.EventError, err.Error())
}

func (c *Connection) enqueue(frame outFrame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		// Slow consumer; dropping beats blocking a room broadcast.
		log.Printf("connection %s: send queue full, dropping frame", c.id)
		return nil
	}
}

// Close sends a close control frame then tears the socket down, handling a
// slow or unresponsive peer. Idempotent.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	_ = c.conn.Close()

	c.detach()
}

// detach removes the connection from its Session and Room exactly once,
// regardless of which side initiated the close.
func (c *Connection) detach() {
	c.detachOnce.Do(func() {
		if r := c.Room(); r != nil {
			r.DetachConnection(c)
		}
		if s := c.Session(); s != nil {
			s.DetachConnection(c)
		}
	})
}

// readLoop pumps inbound frames into the dispatcher until the socket dies.
// Malformed frames produce a local error event; they never affect other
// connections.
func (c *Connection) readLoop() {
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		c.detach()
		c.server.onConnectionClosed(c)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("connection %s read error: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			c.server.dispatchBinary(c, data)
		case websocket.TextMessage:
			c.handleTextFrame(data)
		}
	}
}

func (c *Connection) handleTextFrame(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		c.SendError(protocolError(skychat.ErrInvalidEnvelope))
		return
	}

	// Only the message event crosses the transport layer; commands are
	// multiplexed through its payload, which keeps raw event injection off
	// the table.
	if ev.Event != skychat.EventInboundMessage {
		c.SendError(protocolError(skychat.ErrEventNotAllowed))
		return
	}

	var content string
	if err := json.Unmarshal(ev.Data, &content); err != nil {
		c.SendError(protocolError(skychat.ErrInvalidEnvelope))
		return
	}

	c.server.dispatchCommand(c, content)
}

// writePump owns all writes to the socket, coalescing queued frames and
// keeping the connection alive with periodic pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
