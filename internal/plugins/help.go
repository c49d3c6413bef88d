package plugins

import (
	"sort"
	"strings"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/chat"
)

// HelpPlugin lists the commands the caller can actually use.
type HelpPlugin struct {
	chat.BasePlugin
}

func NewHelpPlugin() *HelpPlugin {
	return &HelpPlugin{
		BasePlugin: chat.BasePlugin{Meta: chat.Meta{
			Name: "help",
		}},
	}
}

func (p *HelpPlugin) Run(alias, param string, ctx *chat.CommandContext) error {
	isOP := ctx.Session.IsOP()
	right := ctx.Session.Right()

	seen := make(map[string]bool)
	var names []string
	for _, pl := range ctx.Server.PluginsFor(ctx.Room) {
		if !pl.Callable() || pl.Hidden() || seen[pl.Name()] {
			continue
		}
		if pl.OPOnly() && !isOP {
			continue
		}
		if !isOP && right < pl.MinRight() {
			continue
		}
		seen[pl.Name()] = true
		names = append(names, "/"+strings.Join(pl.Aliases(), ", /"))
	}
	sort.Strings(names)

	_ = ctx.Connection.Send(skychat.EventInfo, "available commands: "+strings.Join(names, " | "))
	return nil
}
