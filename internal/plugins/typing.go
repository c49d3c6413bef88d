package plugins

import (
	"regexp"
	"sync"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/chat"
)

var onOffPattern = regexp.MustCompile(`^(on|off)$`)

// TypingPlugin tracks who is currently typing in a room. Clients toggle
// their state with /t on and /t off; the room sees the resulting list.
type TypingPlugin struct {
	chat.BasePlugin
	room *chat.Room

	mu     sync.Mutex
	typing map[string]bool
}

func NewTypingPlugin(r *chat.Room) chat.Plugin {
	return &TypingPlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name:    "t",
			Aliases: []string{"typing"},
			Hidden:  true,
			Rules: map[string]chat.Rule{
				"t": {
					MinParamCount:  1,
					Params:         []chat.ParamSpec{{Name: "state", Pattern: onOffPattern}},
					CoolDown:       200 * time.Millisecond,
					MaxCallsPer10s: 30,
				},
			},
		}},
		room:   r,
		typing: make(map[string]bool),
	}
}

func (p *TypingPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	p.set(ctx.Session.Identifier(), param == "on")
	return nil
}

func (p *TypingPlugin) set(identifier string, on bool) {
	p.mu.Lock()
	changed := p.typing[identifier] != on
	if on {
		p.typing[identifier] = true
	} else {
		delete(p.typing, identifier)
	}
	p.mu.Unlock()

	if changed {
		p.broadcast()
	}
}

func (p *TypingPlugin) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.typing))
	for id := range p.typing {
		out = append(out, id)
	}
	return out
}

func (p *TypingPlugin) broadcast() {
	p.room.Send(skychat.EventTypingList, p.list())
}

// OnConnectionJoinedRoom gives the newcomer the current typing state.
func (p *TypingPlugin) OnConnectionJoinedRoom(c *chat.Connection, r *chat.Room) {
	_ = c.Send(skychat.EventTypingList, p.list())
}

// OnConnectionLeftRoom clears the leaver's typing flag if it was the
// session's last connection in the room.
func (p *TypingPlugin) OnConnectionLeftRoom(c *chat.Connection, r *chat.Room) {
	sess := c.Session()
	if sess == nil {
		return
	}
	for _, other := range r.Connections() {
		if other.Session() == sess {
			return
		}
	}
	p.set(sess.Identifier(), false)
}
