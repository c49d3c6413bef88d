package plugins

import (
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/skychatorg/skychat-sub001/internal/chat"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ModerationPlugin gives operators /kick, /ban and /unban. The ban list is
// keyed by lowercase identifier, enforced at room join time and persisted
// through plugin storage so it survives restarts.
type ModerationPlugin struct {
	chat.BasePlugin
	server *chat.Server

	mu     sync.Mutex
	banned map[string]bool
}

func NewModerationPlugin(s *chat.Server) *ModerationPlugin {
	p := &ModerationPlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name:    "kick",
			Aliases: []string{"ban", "unban"},
			OPOnly:  true,
			Rules: map[string]chat.Rule{
				"kick": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "user", Pattern: identifierPattern}},
				},
				"ban": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "user", Pattern: identifierPattern}},
				},
				"unban": {
					MinParamCount: 1,
					Params:        []chat.ParamSpec{{Name: "user", Pattern: identifierPattern}},
				},
			},
		}},
		server: s,
		banned: make(map[string]bool),
	}

	var saved []string
	if err := s.LoadPluginStorage(chat.GlobalNamespace, "moderation", &saved); err != nil {
		log.Printf("moderation: load ban list: %v", err)
	}
	for _, id := range saved {
		p.banned[strings.ToLower(id)] = true
	}

	return p
}

func (p *ModerationPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	target := strings.ToLower(strings.TrimSpace(param))

	switch alias {
	case "kick":
		return p.server.KickSession(target, "kicked by "+ctx.Session.Identifier())

	case "ban":
		if p.server.SessionByIdentifier(target) == ctx.Session {
			return chat.NewError(chat.KindCommand, "you cannot ban yourself")
		}
		p.mu.Lock()
		p.banned[target] = true
		p.mu.Unlock()
		p.persist()
		// A ban implies an immediate kick when the target is online.
		_ = p.server.KickSession(target, "banned by "+ctx.Session.Identifier())
		return nil

	case "unban":
		p.mu.Lock()
		delete(p.banned, target)
		p.mu.Unlock()
		p.persist()
		return nil
	}

	return chat.NewError(chat.KindCommand, "unknown command")
}

// IsBanned reports whether an identifier is on the ban list.
func (p *ModerationPlugin) IsBanned(identifier string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banned[strings.ToLower(identifier)]
}

// OnBeforeConnectionJoinedRoom vetoes joins by banned identifiers.
func (p *ModerationPlugin) OnBeforeConnectionJoinedRoom(c *chat.Connection, r *chat.Room) error {
	sess := c.Session()
	if sess != nil && p.IsBanned(sess.Identifier()) {
		return chat.NewError(chat.KindHookVeto, "you are banned from this server")
	}
	return nil
}

// OnBeforeRegister blocks banned identifiers from re-registering.
func (p *ModerationPlugin) OnBeforeRegister(username string) error {
	if p.IsBanned(username) {
		return chat.NewError(chat.KindHookVeto, "this username is banned")
	}
	return nil
}

func (p *ModerationPlugin) persist() {
	p.mu.Lock()
	list := make([]string, 0, len(p.banned))
	for id := range p.banned {
		list = append(list, id)
	}
	p.mu.Unlock()

	if err := p.server.SavePluginStorage(chat.GlobalNamespace, "moderation", list); err != nil {
		log.Printf("moderation: save ban list: %v", err)
	}
}
