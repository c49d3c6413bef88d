package chat

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/protocol"
	"github.com/skychatorg/skychat-sub001/internal/ratelimit"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

const (
	// authTimeout bounds how long an upgraded socket may stay pending.
	authTimeout   = 60 * time.Second
	authWriteWait = 5 * time.Second
)

// Credentials is the login/register branch of the handshake.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Register bool   `json:"register,omitempty"`
}

// Handshake is the first message a client sends after the upgrade. Exactly
// one auth mode is honored, priority token > register > login > guest.
type Handshake struct {
	RoomID      string           `json:"roomId,omitempty"`
	Token       *store.AuthToken `json:"token,omitempty"`
	Credentials *Credentials     `json:"credentials,omitempty"`
}

// AcceptedFn consumes an authenticated socket. user is nil for guests.
type AcceptedFn func(conn *websocket.Conn, hs *Handshake, user *store.User, p *PendingSocket)

// PendingSocket is an upgraded transport connection that has not completed
// authentication yet. It exists only between upgrade and accept/close.
type PendingSocket struct {
	conn  *websocket.Conn
	req   requestInfo
	ip    string
	since time.Time
}

// requestInfo retains the handshake request data a Connection needs, so the
// *http.Request can be released.
type requestInfo struct {
	userAgent string
}

// AuthBridge quarantines raw socket upgrades: it rate-limits the upgrade
// itself by IP, bounds the number of unauthenticated sockets per IP, and
// turns the one-shot handshake message into an authenticated identity.
// Failed attempts re-arm the listener so the client can retry until its
// rate limiter says otherwise.
type AuthBridge struct {
	store  Store
	tokens *store.TokenIssuer

	// Two independent windows on the upgrade itself, then one limiter per
	// auth method. The asymmetry mirrors abuse cost: account creation and
	// credential stuffing are throttled hardest.
	upgradeBurst  *ratelimit.Limiter
	upgradeMinute *ratelimit.Limiter
	registerLimit *ratelimit.Limiter
	loginLimit    *ratelimit.Limiter
	guestLimit    *ratelimit.Limiter
	tokenLimit    *ratelimit.Limiter

	maxPendingPerIP int
	onAccepted      AcceptedFn
	beforeRegister  func(username string) error

	mu      sync.Mutex
	pending map[string][]*PendingSocket
}

func newAuthBridge(st Store, tokens *store.TokenIssuer, maxPendingPerIP int, onAccepted AcceptedFn, beforeRegister func(string) error) *AuthBridge {
	if maxPendingPerIP <= 0 {
		maxPendingPerIP = 8
	}
	return &AuthBridge{
		store:           st,
		tokens:          tokens,
		upgradeBurst:    ratelimit.New(ratelimit.Config{Points: 10, Interval: 10 * time.Second}),
		upgradeMinute:   ratelimit.New(ratelimit.Config{Points: 60, Interval: time.Minute}),
		registerLimit:   ratelimit.New(ratelimit.Config{Points: 1, Interval: time.Hour}),
		loginLimit:      ratelimit.New(ratelimit.Config{Points: 10, Interval: time.Minute}),
		guestLimit:      ratelimit.New(ratelimit.Config{Points: 8, Interval: time.Minute}),
		tokenLimit:      ratelimit.New(ratelimit.Config{Points: 20, Interval: time.Minute}),
		maxPendingPerIP: maxPendingPerIP,
		onAccepted:      onAccepted,
		beforeRegister:  beforeRegister,
		pending:         make(map[string][]*PendingSocket),
	}
}

// AllowUpgrade is checked before any handshake cost is paid. Both windows
// must have room; each attempt consumes from both so a rejection in one
// cannot leave the other's bookkeeping behind.
func (b *AuthBridge) AllowUpgrade(ip string) bool {
	burst := b.upgradeBurst.Consume(ip)
	minute := b.upgradeMinute.Consume(ip)
	return burst && minute
}

// Admit registers an upgraded socket in the per-IP pending pool and waits
// for its handshake. When the pool for that IP is full the socket is told so
// and closed immediately, bounding the memory spent on half-open clients.
func (b *AuthBridge) Admit(conn *websocket.Conn, userAgent, ip string) {
	p := &PendingSocket{
		conn:  conn,
		req:   requestInfo{userAgent: userAgent},
		ip:    ip,
		since: time.Now(),
	}

	b.mu.Lock()
	if len(b.pending[ip]) >= b.maxPendingPerIP {
		b.mu.Unlock()
		b.sendError(conn, skychat.ErrTooManyPending)
		_ = conn.Close()
		return
	}
	b.pending[ip] = append(b.pending[ip], p)
	b.mu.Unlock()

	go b.waitAuth(p)
}

// PendingCount returns the number of pending sockets for an IP.
func (b *AuthBridge) PendingCount(ip string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[ip])
}

// waitAuth reads handshake attempts until one succeeds, the socket dies or
// the auth deadline passes. On success the socket is handed to the server
// and leaves the pending pool.
func (b *AuthBridge) waitAuth(p *PendingSocket) {
	defer b.remove(p)

	_ = p.conn.SetReadDeadline(time.Now().Add(authTimeout))

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			_ = p.conn.Close()
			return
		}

		hs, err := decodeHandshake(data)
		if err != nil {
			b.sendError(p.conn, err.Error())
			continue
		}

		user, err := b.authenticate(p.ip, hs)
		if err != nil {
			// Re-arm: the client gets another chance, its per-method
			// limiter is the real cap.
			b.sendError(p.conn, err.Error())
			continue
		}

		b.onAccepted(p.conn, hs, user, p)
		return
	}
}

// decodeHandshake accepts either a bare handshake object or a message
// envelope wrapping one.
func decodeHandshake(data []byte) (*Handshake, error) {
	raw := data
	if ev, err := protocol.DecodeEvent(data); err == nil {
		raw = ev.Data
	}
	var hs Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, protocolError(skychat.ErrInvalidEnvelope)
	}
	return &hs, nil
}

// authenticate resolves the handshake to a user (nil for guests). Each auth
// method has its own independent per-IP limiter.
func (b *AuthBridge) authenticate(ip string, hs *Handshake) (*store.User, error) {
	switch {
	case hs.Token != nil:
		if !b.tokenLimit.Consume(ip) {
			return nil, authError(skychat.ErrAuthRateLimited)
		}
		userID, err := b.tokens.Verify(*hs.Token)
		if err != nil {
			return nil, authError(skychat.ErrInvalidToken)
		}
		user, err := b.store.UserByID(userID)
		if err != nil {
			return nil, authError(skychat.ErrInvalidToken)
		}
		return user, nil

	case hs.Credentials != nil && hs.Credentials.Register:
		if !b.registerLimit.Consume(ip) {
			return nil, authError(skychat.ErrAuthRateLimited)
		}
		if b.beforeRegister != nil {
			if err := b.beforeRegister(hs.Credentials.Username); err != nil {
				return nil, err
			}
		}
		user, err := b.store.Register(hs.Credentials.Username, hs.Credentials.Password)
		if err != nil {
			return nil, authError(err.Error())
		}
		return user, nil

	case hs.Credentials != nil:
		if !b.loginLimit.Consume(ip) {
			return nil, authError(skychat.ErrAuthRateLimited)
		}
		user, err := b.store.Authenticate(hs.Credentials.Username, hs.Credentials.Password)
		if err != nil {
			return nil, authError(skychat.ErrInvalidCredentials)
		}
		return user, nil

	default:
		if !b.guestLimit.Consume(ip) {
			return nil, authError(skychat.ErrAuthRateLimited)
		}
		return nil, nil
	}
}

func (b *AuthBridge) remove(p *PendingSocket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.pending[p.ip]
	for i, other := range list {
		if other == p {
			b.pending[p.ip] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.pending[p.ip]) == 0 {
		delete(b.pending, p.ip)
	}
}

// Sweep drops pending sockets whose peer has vanished or whose auth
// deadline passed, and removes empty per-IP buckets. Called periodically by
// the server janitor.
func (b *AuthBridge) Sweep() {
	b.mu.Lock()
	snapshot := make([]*PendingSocket, 0, len(b.pending))
	for _, list := range b.pending {
		snapshot = append(snapshot, list...)
	}
	b.mu.Unlock()

	// Probing happens off the lock: a peer with a full TCP buffer can hold a
	// WriteControl for up to authWriteWait, and Admit must not wait on that.
	for _, p := range snapshot {
		dead := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(authWriteWait)) != nil
		if dead || time.Since(p.since) > authTimeout {
			_ = p.conn.Close()
			b.remove(p)
		}
	}

	b.upgradeBurst.Sweep()
	b.upgradeMinute.Sweep()
	b.registerLimit.Sweep()
	b.loginLimit.Sweep()
	b.guestLimit.Sweep()
	b.tokenLimit.Sweep()
}

func (b *AuthBridge) sendError(conn *websocket.Conn, message string) {
	frame, err := protocol.EncodeEvent(skychat.EventError, message)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(authWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("auth bridge: write error event: %v", err)
	}
}
