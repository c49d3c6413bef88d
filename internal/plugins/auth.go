package plugins

import (
	"strings"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/chat"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// AuthPlugin upgrades a live guest session to an authenticated identity
// without reconnecting: /login verifies credentials, /register creates the
// account first. The session keeps its connections and its room.
type AuthPlugin struct {
	chat.BasePlugin
}

func NewAuthPlugin() *AuthPlugin {
	rule := chat.Rule{
		MinParamCount: 2,
		Params: []chat.ParamSpec{
			{Name: "username", Pattern: identifierPattern},
			{Name: "password"},
		},
		CoolDown:       time.Second,
		MaxCallsPer10s: 5,
	}
	return &AuthPlugin{BasePlugin: chat.BasePlugin{Meta: chat.Meta{
		Name:    "login",
		Aliases: []string{"register"},
		Rules: map[string]chat.Rule{
			"login":    rule,
			"register": rule,
		},
	}}}
}

func (p *AuthPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	if !ctx.User.IsGuest() {
		return chat.NewError(chat.KindCommand, skychat.ErrAlreadyAuthenticated)
	}

	// The rule guarantees exactly two parameters.
	parts := strings.SplitN(param, " ", 2)
	username, password := parts[0], parts[1]

	var (
		user *store.User
		err  error
	)
	if alias == "register" {
		for _, g := range ctx.Server.GlobalPlugins() {
			if h, ok := g.(chat.BeforeRegisterHook); ok {
				if err := h.OnBeforeRegister(username); err != nil {
					return err
				}
			}
		}
		user, err = ctx.Server.Store().Register(username, password)
	} else {
		user, err = ctx.Server.Store().Authenticate(username, password)
	}
	if err != nil {
		return chat.NewError(chat.KindCommand, err.Error())
	}

	return ctx.Server.UpgradeSession(ctx.Session, user)
}
