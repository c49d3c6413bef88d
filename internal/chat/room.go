package chat

import (
	"log"
	"strings"
	"sync"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/protocol"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// Room is a named broadcast group of Connections with a bounded in-memory
// message history. Older messages live in the persistent store and are
// fetched on demand.
type Room struct {
	server *Server
	name   string

	mu          sync.RWMutex
	connections []*Connection
	history     []*store.Message
	// whitelist is nil for public rooms; private rooms list the lowercase
	// identifiers allowed in.
	whitelist map[string]bool
	plugins   []Plugin
	aliases   map[string]Plugin

	// postMu serializes SendMessage so the hook pipeline, history append
	// and broadcast happen in per-room FIFO order.
	postMu sync.Mutex
}

func newRoom(server *Server, name string, whitelist []string) *Room {
	r := &Room{
		server:  server,
		name:    name,
		aliases: make(map[string]Plugin),
	}
	if whitelist != nil {
		r.whitelist = make(map[string]bool, len(whitelist))
		for _, id := range whitelist {
			r.whitelist[strings.ToLower(id)] = true
		}
	}
	for _, factory := range server.roomPluginFactories() {
		p := factory(r)
		r.plugins = append(r.plugins, p)
		for _, alias := range p.Aliases() {
			r.aliases[strings.ToLower(alias)] = p
		}
	}
	r.hydrate()
	return r
}

// hydrate warms the in-memory ring from the persistent store, so the
// messages push on join carries history from before the last restart.
func (r *Room) hydrate() {
	saved, err := r.server.store.RecentMessages(r.name, 0, r.server.cfg.HistorySize)
	if err != nil {
		log.Printf("room %s: load history: %v", r.name, err)
		return
	}
	for i := range saved {
		r.history = append(r.history, &saved[i])
	}
}

// Name returns the room name.
func (r *Room) Name() string { return r.name }

// IsPrivate reports whether the room is whitelist-gated.
func (r *Room) IsPrivate() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.whitelist != nil
}

// IsAllowed reports whether an identifier may enter a private room.
func (r *Room) IsAllowed(identifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.whitelist == nil || r.whitelist[strings.ToLower(identifier)]
}

// Allow adds an identifier to the whitelist of a private room.
func (r *Room) Allow(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.whitelist != nil {
		r.whitelist[strings.ToLower(identifier)] = true
	}
}

// Disallow removes an identifier from the whitelist and reports how many
// entries remain.
func (r *Room) Disallow(identifier string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.whitelist == nil {
		return -1
	}
	delete(r.whitelist, strings.ToLower(identifier))
	return len(r.whitelist)
}

// ConnectionCount returns the number of attached connections.
func (r *Room) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Connections returns a snapshot of the attached connections.
func (r *Room) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, len(r.connections))
	copy(out, r.connections)
	return out
}

// Plugin resolves an alias against this room's plugin instances.
func (r *Room) Plugin(alias string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.aliases[strings.ToLower(alias)]
	return p, ok
}

// addPlugin attaches a plugin instance to an already-built room.
func (r *Room) addPlugin(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
	for _, alias := range p.Aliases() {
		r.aliases[strings.ToLower(alias)] = p
	}
}

func (r *Room) pluginList() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// AttachConnection runs the join veto hooks, then moves the connection into
// this room, keeping the room's connection set and the connection's room
// pointer consistent as one invariant. A veto leaves both untouched.
func (r *Room) AttachConnection(c *Connection) error {
	if c.Room() == r {
		return nil
	}

	sess := c.Session()
	if sess != nil && r.IsPrivate() && !sess.IsOP() && !r.IsAllowed(sess.Identifier()) {
		return vetoError(skychat.ErrRoomPrivate)
	}
	for _, p := range r.server.PluginsFor(r) {
		if h, ok := p.(BeforeJoinHook); ok {
			if err := h.OnBeforeConnectionJoinedRoom(c, r); err != nil {
				return err
			}
		}
	}

	if prev := c.Room(); prev != nil {
		prev.DetachConnection(c)
	}

	r.mu.Lock()
	r.connections = append(r.connections, c)
	r.mu.Unlock()
	c.setRoom(r)

	for _, p := range r.server.PluginsFor(r) {
		if h, ok := p.(JoinedHook); ok {
			runHook(p.Name(), func() { h.OnConnectionJoinedRoom(c, r) })
		}
	}

	_ = c.Send(skychat.EventJoinRoom, r.name)
	_ = c.Send(skychat.EventMessages, r.History(r.server.cfg.HistorySize))
	return nil
}

// DetachConnection removes a connection; no-op if absent.
func (r *Room) DetachConnection(c *Connection) {
	r.mu.Lock()
	found := false
	for i, other := range r.connections {
		if other == c {
			r.connections = append(r.connections[:i], r.connections[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()
	if !found {
		return
	}

	if c.Room() == r {
		c.setRoom(nil)
	}

	for _, p := range r.server.PluginsFor(r) {
		if h, ok := p.(LeftHook); ok {
			runHook(p.Name(), func() { h.OnConnectionLeftRoom(c, r) })
		}
	}
}

// Send broadcasts an event to every attached connection directly (not to
// whole sessions, whose other connections may sit in different rooms).
func (r *Room) Send(event string, data interface{}) {
	for _, c := range r.Connections() {
		_ = c.Send(event, data)
	}
}

// SendBinary broadcasts a tagged binary frame to every attached connection.
func (r *Room) SendBinary(tag uint16, payload []byte) {
	frame, err := protocol.EncodeBinary(tag, payload)
	if err != nil {
		log.Printf("room %s: encode binary: %v", r.name, err)
		return
	}
	for _, c := range r.Connections() {
		_ = c.SendBinary(frame)
	}
}

// SendMessage assigns the next message id, runs the pre-broadcast hook
// pipeline (each hook may transform the message, the first error vetoes it),
// appends to the bounded history, persists asynchronously and broadcasts.
// Messages are broadcast in the order their pipeline completes: a FIFO per
// room.
func (r *Room) SendMessage(m *store.Message, sender *Connection) (*store.Message, error) {
	r.postMu.Lock()
	defer r.postMu.Unlock()

	m.ID = r.server.NextMessageID()
	m.Room = r.name
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	current := m
	for _, p := range r.server.PluginsFor(r) {
		h, ok := p.(BeforeMessageHook)
		if !ok {
			continue
		}
		next, err := h.OnBeforeMessageBroadcast(current, sender)
		if err != nil {
			return nil, err
		}
		if next != nil {
			current = next
		}
	}

	r.appendHistory(current)

	// In-memory state is the source of truth between writes; a storage
	// failure is logged, not propagated.
	go func(saved store.Message) {
		if err := r.server.store.AppendMessage(&saved); err != nil {
			log.Printf("room %s: persist message %d: %v", r.name, saved.ID, err)
		}
	}(*current)

	r.Send(skychat.EventMessage, current)
	return current, nil
}

func (r *Room) appendHistory(m *store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, m)
	if max := r.server.cfg.HistorySize; len(r.history) > max {
		r.history = r.history[len(r.history)-max:]
	}
}

// History returns up to limit most recent messages in chronological order.
func (r *Room) History(limit int) []*store.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]*store.Message, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

// runHook shields the caller from a panicking best-effort hook.
func runHook(plugin string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("plugin %s: hook panic: %v", plugin, rec)
		}
	}()
	fn()
}
