package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/ratelimit"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

const janitorInterval = 30 * time.Second

// Store is the persistence surface the server depends on. *store.Store
// satisfies it; tests substitute an in-memory double.
type Store interface {
	Register(username, password string) (*store.User, error)
	Authenticate(username, password string) (*store.User, error)
	UserByID(id int64) (*store.User, error)
	UserByName(username string) (*store.User, error)
	SaveUser(user *store.User) error
	AppendMessage(m *store.Message) error
	RecentMessages(room string, beforeID int64, limit int) ([]store.Message, error)
}

// Config tunes a Server. The zero value is usable for tests; NewServer fills
// in defaults for anything left unset.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string
	// ServerName is announced to clients in the config event.
	ServerName string
	// DefaultRoom is created at startup and receives roomless connections.
	DefaultRoom string
	// HistorySize bounds the per-room in-memory message history.
	HistorySize int
	// StorageDir is where plugins persist their JSON blobs. Empty disables
	// plugin storage.
	StorageDir string
	// MaxPendingPerIP bounds unauthenticated sockets per address.
	MaxPendingPerIP int
	// SessionGrace is how long an empty session survives for reconnection.
	SessionGrace time.Duration
	// OPIdentifiers grants operator status out of band, by identifier.
	OPIdentifiers []string
	// TokenSecret signs auth tokens. A random secret is generated when
	// empty, invalidating tokens across restarts.
	TokenSecret string
	// NodeID seeds the message id generator; distinct per process.
	NodeID int64
	// CheckOrigin overrides the websocket origin policy. Nil accepts all.
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ServerName == "" {
		c.ServerName = "skychat"
	}
	if c.DefaultRoom == "" {
		c.DefaultRoom = "main"
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.MaxPendingPerIP <= 0 {
		c.MaxPendingPerIP = 8
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = time.Minute
	}
	if c.TokenSecret == "" {
		c.TokenSecret = uuid.New().String()
	}
}

// ConfigInfo is the payload of the config event, sent first on every
// accepted connection.
type ConfigInfo struct {
	ServerName  string `json:"serverName"`
	DefaultRoom string `json:"defaultRoom"`
	HistorySize int    `json:"historySize"`
}

// ConnectedInfo is one entry of the connected-list event.
type ConnectedInfo struct {
	Identifier  string `json:"identifier"`
	Right       int    `json:"right"`
	OP          bool   `json:"op"`
	Connections int    `json:"connections"`
}

// RoomInfo is one entry of the room-list event.
type RoomInfo struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
	Count   int    `json:"count"`
}

// Server owns the session and room registries, the plugin engine and the
// admission bridge. All public methods are safe for concurrent use.
type Server struct {
	cfg    Config
	store  Store
	tokens *store.TokenIssuer
	bridge *AuthBridge
	node   *snowflake.Node

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu            sync.RWMutex
	sessions      map[string]*Session
	rooms         map[string]*Room
	globals       []Plugin
	globalAliases map[string]Plugin
	roomFactories []RoomPluginFactory
	ops           map[string]bool

	// Per-alias command limiters, created lazily on first use.
	limitersMu sync.Mutex
	cooldowns  map[string]*ratelimit.Limiter
	windows    map[string]*ratelimit.Limiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer builds a stopped server around a store. Plugins must be
// registered before Start.
func NewServer(cfg Config, st Store) (*Server, error) {
	if st == nil {
		return nil, errors.New("chat: store is required")
	}
	cfg.applyDefaults()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("chat: message id node: %w", err)
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ops := make(map[string]bool, len(cfg.OPIdentifiers))
	for _, id := range cfg.OPIdentifiers {
		ops[strings.ToLower(id)] = true
	}

	s := &Server{
		cfg:    cfg,
		store:  st,
		tokens: store.NewTokenIssuer(cfg.TokenSecret, 0),
		node:   node,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sessions:      make(map[string]*Session),
		rooms:         make(map[string]*Room),
		globalAliases: make(map[string]Plugin),
		ops:           ops,
		cooldowns:     make(map[string]*ratelimit.Limiter),
		windows:       make(map[string]*ratelimit.Limiter),
		stopCh:        make(chan struct{}),
	}
	s.bridge = newAuthBridge(st, s.tokens, cfg.MaxPendingPerIP, s.onAccepted, s.beforeRegister)
	s.rooms[cfg.DefaultRoom] = newRoom(s, cfg.DefaultRoom, nil)

	return s, nil
}

// Config returns a copy of the effective configuration.
func (s *Server) Config() Config { return s.cfg }

// TokenIssuer exposes the token signer, e.g. for renewal commands.
func (s *Server) TokenIssuer() *store.TokenIssuer { return s.tokens }

// Store exposes the persistence layer to plugins.
func (s *Server) Store() Store { return s.store }

// RegisterGlobalPlugin adds a plugin shared by every room. Registration
// order is hook invocation order. Not safe to call after Start.
func (s *Server) RegisterGlobalPlugin(p Plugin) {
	s.globals = append(s.globals, p)
	for _, alias := range p.Aliases() {
		s.globalAliases[strings.ToLower(alias)] = p
	}
}

// RegisterRoomPlugin adds a factory instantiated once per room, existing
// rooms included. Not safe to call after Start.
func (s *Server) RegisterRoomPlugin(f RoomPluginFactory) {
	s.roomFactories = append(s.roomFactories, f)
	for _, r := range s.Rooms() {
		r.addPlugin(f(r))
	}
}

func (s *Server) roomPluginFactories() []RoomPluginFactory { return s.roomFactories }

// PluginsFor returns the hook dispatch order for a room: global plugins
// first, then the room's own instances. room may be nil.
func (s *Server) PluginsFor(room *Room) []Plugin {
	out := make([]Plugin, len(s.globals))
	copy(out, s.globals)
	if room != nil {
		out = append(out, room.pluginList()...)
	}
	return out
}

// GlobalPlugins returns the registered global plugins in order.
func (s *Server) GlobalPlugins() []Plugin {
	out := make([]Plugin, len(s.globals))
	copy(out, s.globals)
	return out
}

func (s *Server) isConfiguredOP(identifier string) bool {
	return s.ops[strings.ToLower(identifier)]
}

func (s *Server) beforeRegister(username string) error {
	for _, p := range s.globals {
		if h, ok := p.(BeforeRegisterHook); ok {
			if err := h.OnBeforeRegister(username); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start binds the listener and begins accepting connections. It returns an
// error if the listener fails within the startup window.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("chat: listen on %s: %w", s.cfg.Addr, err)
	case <-time.After(100 * time.Millisecond):
	}

	go s.janitor()

	log.Printf("server %s listening on %s", s.cfg.ServerName, s.cfg.Addr)
	return nil
}

// Stop shuts the listener down and closes every live connection. Safe to
// call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)

		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(ctx)
		}

		for _, sess := range s.Sessions() {
			sess.closeAll(websocket.CloseGoingAway, "server shutting down")
		}
	})
	return err
}

// janitor periodically reaps expired sessions, stale pending sockets and
// idle limiter buckets.
func (s *Server) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.bridge.Sweep()
			s.pruneSessions()
			s.sweepLimiters()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) sweepLimiters() {
	s.limitersMu.Lock()
	limiters := make([]*ratelimit.Limiter, 0, len(s.cooldowns)+len(s.windows))
	for _, l := range s.cooldowns {
		limiters = append(limiters, l)
	}
	for _, l := range s.windows {
		limiters = append(limiters, l)
	}
	s.limitersMu.Unlock()

	for _, l := range limiters {
		l.Sweep()
	}
}

// HandleWS upgrades an HTTP request and hands the socket to the admission
// bridge. The upgrade itself is rate limited per IP before any work is done.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.bridge.AllowUpgrade(ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade from %s failed: %v", ip, err)
		return
	}

	s.bridge.Admit(conn, r.UserAgent(), ip)
}

// onAccepted wires an authenticated socket into the session and room model.
// Runs on the bridge's waitAuth goroutine; it hands reading over to the
// connection's readLoop before returning.
func (s *Server) onAccepted(ws *websocket.Conn, hs *Handshake, user *store.User, p *PendingSocket) {
	c := newConnection(s, ws, p.ip, p.req.userAgent)

	guest := user == nil
	if guest {
		user = &store.User{ID: 0, Username: s.guestIdentifier()}
	}

	sess := s.findOrCreateSession(user.Username, user)
	sess.AttachConnection(c)

	_ = c.Send(skychat.EventConfig, ConfigInfo{
		ServerName:  s.cfg.ServerName,
		DefaultRoom: s.cfg.DefaultRoom,
		HistorySize: s.cfg.HistorySize,
	})

	for _, pl := range s.globals {
		if h, ok := pl.(NewConnectionHook); ok {
			runHook(pl.Name(), func() { h.OnNewConnection(c) })
		}
	}

	if !guest {
		_ = c.Send(skychat.EventAuthToken, s.tokens.Issue(user.ID))
		for _, pl := range s.globals {
			if h, ok := pl.(AuthenticatedHook); ok {
				runHook(pl.Name(), func() { h.OnConnectionAuthenticated(c) })
			}
		}
		if sess.IsOP() {
			_ = c.Send(skychat.EventSetOP, true)
		}
	}

	_ = c.Send(skychat.EventRoomList, s.RoomList())

	target := s.Room(hs.RoomID)
	if hs.RoomID != "" && target == nil {
		c.SendError(commandError(skychat.ErrRoomNotFound))
	}
	if target == nil {
		target = s.Room(s.cfg.DefaultRoom)
	}
	if target != nil {
		if err := target.AttachConnection(c); err != nil {
			c.SendError(err)
			if fallback := s.Room(s.cfg.DefaultRoom); fallback != nil && fallback != target {
				_ = fallback.AttachConnection(c)
			}
		}
	}

	s.broadcastConnectedList()

	go c.readLoop()
}

// guestIdentifier synthesizes an identifier no live session holds.
func (s *Server) guestIdentifier() string {
	for {
		id := "guest-" + uuid.New().String()[:8]
		if s.SessionByIdentifier(id) == nil {
			return id
		}
	}
}

// SessionByIdentifier finds a live session, case-insensitive. Nil if absent.
func (s *Server) SessionByIdentifier(identifier string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[strings.ToLower(identifier)]
}

// Sessions returns a snapshot of every live session.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// findOrCreateSession reattaches to the live session of an identifier, or
// registers a new one. Reattachment refreshes the session's user object so a
// reconnect picks up persisted changes.
func (s *Server) findOrCreateSession(identifier string, user *store.User) *Session {
	key := strings.ToLower(identifier)

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = newSession(s, identifier, user)
		s.sessions[key] = sess
	}
	s.mu.Unlock()

	if ok && !user.IsGuest() {
		sess.SetUser(user)
	}
	return sess
}

// rebindSession moves a session to a new registry key in one step, enforcing
// the identifier uniqueness invariant. Case-only changes are a no-op.
func (s *Server) rebindSession(sess *Session, identifier string) error {
	newKey := strings.ToLower(identifier)
	oldKey := strings.ToLower(sess.Identifier())
	if newKey == oldKey {
		return nil
	}

	s.mu.Lock()
	if other, ok := s.sessions[newKey]; ok && other != sess {
		s.mu.Unlock()
		return commandError(skychat.ErrIdentifierTaken)
	}
	delete(s.sessions, oldKey)
	s.sessions[newKey] = sess
	s.mu.Unlock()
	return nil
}

// RenameSession changes a session's identifier, keeping the registry and the
// uniqueness invariant consistent in one step.
func (s *Server) RenameSession(sess *Session, identifier string) error {
	if err := s.rebindSession(sess, identifier); err != nil {
		return err
	}

	sess.setIdentifier(identifier)
	if err := s.store.SaveUser(sess.User()); err != nil {
		log.Printf("session %s: save user: %v", identifier, err)
	}
	sess.Send(skychat.EventSetUser, sess.User())
	s.broadcastConnectedList()
	return nil
}

// UpgradeSession swaps a live guest session's identity for an authenticated
// user without a reconnect: the registry entry moves to the real username
// atomically, and every attached connection learns its new identity and
// receives a resume token.
func (s *Server) UpgradeSession(sess *Session, user *store.User) error {
	if err := s.rebindSession(sess, user.Username); err != nil {
		return err
	}

	sess.SetUser(user)
	sess.setIdentifier(user.Username)
	sess.Send(skychat.EventAuthToken, s.tokens.Issue(user.ID))

	for _, c := range sess.Connections() {
		for _, p := range s.globals {
			if h, ok := p.(AuthenticatedHook); ok {
				runHook(p.Name(), func() { h.OnConnectionAuthenticated(c) })
			}
		}
	}
	if sess.IsOP() {
		sess.Send(skychat.EventSetOP, true)
	}

	s.broadcastConnectedList()
	return nil
}

// KickSession forcefully closes every connection of an identifier with the
// kicked close code, telling well-behaved clients not to reconnect.
func (s *Server) KickSession(identifier, reason string) error {
	sess := s.SessionByIdentifier(identifier)
	if sess == nil {
		return commandErrorf("unknown session: %s", identifier)
	}
	if reason == "" {
		reason = "kicked"
	}
	sess.closeAll(skychat.CloseKicked, reason)
	return nil
}

// pruneSessions drops sessions that outlived the reconnection grace period
// with no connections.
func (s *Server) pruneSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sess := range s.sessions {
		if sess.expired(s.cfg.SessionGrace) {
			delete(s.sessions, key)
		}
	}
}

// CreateRoom adds a public room. Errors when the name is taken.
func (s *Server) CreateRoom(name string) (*Room, error) {
	return s.createRoom(name, nil)
}

// CreatePrivateRoom adds a whitelist-gated room seeded with the given
// identifiers.
func (s *Server) CreatePrivateRoom(name string, whitelist []string) (*Room, error) {
	if whitelist == nil {
		whitelist = []string{}
	}
	return s.createRoom(name, whitelist)
}

func (s *Server) createRoom(name string, whitelist []string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, commandError("room name cannot be empty")
	}

	s.mu.Lock()
	if _, ok := s.rooms[name]; ok {
		s.mu.Unlock()
		return nil, commandErrorf("room %s already exists", name)
	}
	r := newRoom(s, name, whitelist)
	s.rooms[name] = r
	s.mu.Unlock()

	s.broadcastRoomList()
	return r, nil
}

// DeleteRoom removes a room, moving its occupants to the default room. The
// default room cannot be deleted.
func (s *Server) DeleteRoom(name string) error {
	if name == s.cfg.DefaultRoom {
		return commandError("the default room cannot be deleted")
	}

	s.mu.Lock()
	r, ok := s.rooms[name]
	if !ok {
		s.mu.Unlock()
		return commandError(skychat.ErrRoomNotFound)
	}
	delete(s.rooms, name)
	fallback := s.rooms[s.cfg.DefaultRoom]
	s.mu.Unlock()

	for _, c := range r.Connections() {
		r.DetachConnection(c)
		if fallback != nil {
			_ = fallback.AttachConnection(c)
		}
	}

	s.broadcastRoomList()
	return nil
}

// Room finds a room by name. Nil if absent.
func (s *Server) Room(name string) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[name]
}

// Rooms returns a snapshot of every room.
func (s *Server) Rooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// RoomList builds the room-list payload, sorted by name for a stable wire
// representation.
func (s *Server) RoomList() []RoomInfo {
	rooms := s.Rooms()
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{
			Name:    r.Name(),
			Private: r.IsPrivate(),
			Count:   r.ConnectionCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) broadcastRoomList() {
	list := s.RoomList()
	for _, sess := range s.Sessions() {
		sess.Send(skychat.EventRoomList, list)
	}
}

// broadcastConnectedList pushes the roster of live sessions to everyone.
func (s *Server) broadcastConnectedList() {
	sessions := s.Sessions()

	list := make([]ConnectedInfo, 0, len(sessions))
	for _, sess := range sessions {
		n := sess.ConnectionCount()
		if n == 0 {
			continue
		}
		list = append(list, ConnectedInfo{
			Identifier:  sess.Identifier(),
			Right:       sess.Right(),
			OP:          sess.IsOP(),
			Connections: n,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Identifier < list[j].Identifier })

	for _, sess := range sessions {
		sess.Send(skychat.EventConnectedList, list)
	}
}

// NextMessageID returns a process-unique, monotonic message id.
func (s *Server) NextMessageID() int64 {
	return s.node.Generate().Int64()
}

// onConnectionClosed runs after a connection fully detaches.
func (s *Server) onConnectionClosed(c *Connection) {
	s.broadcastConnectedList()
}
