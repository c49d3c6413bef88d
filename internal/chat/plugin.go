package chat

import (
	"regexp"
	"time"

	skychat "github.com/skychatorg/skychat-sub001"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// CommandContext carries everything a plugin needs to run one command.
type CommandContext struct {
	Server     *Server
	Connection *Connection
	Session    *Session
	User       *store.User
	// Room is the connection's current room, nil when roomless.
	Room *Room
}

// ParamSpec declares one positional parameter of a command alias.
type ParamSpec struct {
	// Name is used in error messages when the pattern does not match.
	Name string
	// Pattern validates the raw token. Nil accepts anything.
	Pattern *regexp.Regexp
}

// Rule is the declarative metadata checked before an alias runs. The zero
// value means "no limits beyond the plugin's rights gate".
type Rule struct {
	// MinParamCount and MaxParamCount bound the parameter count.
	// MaxParamCount zero means len(Params) when params are declared,
	// otherwise unlimited.
	MinParamCount int
	MaxParamCount int
	// Params are positional validators, matched in order.
	Params []ParamSpec
	// CoolDown is the minimum delay between two calls from the same IP.
	CoolDown time.Duration
	// MaxCallsPer10s caps the number of weighted calls per IP in a sliding
	// ten second window. Zero disables the window.
	MaxCallsPer10s int
	// CallCostPerRight is a table of {right threshold, cost} pairs in
	// ascending threshold order; the applicable cost is the one for the
	// highest threshold not exceeding the caller's right. Lower-privileged
	// callers can thus be made to cost more per call. Empty means cost 1.
	CallCostPerRight [][2]int
}

// Plugin is one chat command (or pure hook observer). Implementations embed
// BasePlugin for the metadata boilerplate and add the hook interfaces they
// care about.
type Plugin interface {
	// Name is the canonical command name.
	Name() string
	// Aliases returns every command name bound to this plugin, canonical
	// name included.
	Aliases() []string
	// MinRight is the minimum right level required, bypassed by OP.
	MinRight() int
	// OPOnly restricts the plugin to operators regardless of right level.
	OPOnly() bool
	// Callable reports whether the plugin can be invoked as a command at
	// all; pure hook observers return false.
	Callable() bool
	// Hidden hides the plugin from help listings without disabling it.
	Hidden() bool
	// Rules maps alias to the rule checked before Run.
	Rules() map[string]Rule
	// Run executes the command. Returned errors are sent to the issuing
	// connection as a single error event.
	Run(alias, param string, ctx *CommandContext) error
}

// RoomPluginFactory builds one plugin instance per room. Global plugins are
// registered directly instead.
type RoomPluginFactory func(r *Room) Plugin

// Hook interfaces. A plugin implements the ones it needs; the engine
// discovers them by type assertion and invokes them in registration order,
// global plugins first.
type (
	// BeforeMessageHook may transform or veto a message before it is
	// stored and broadcast. Returning a non-nil message replaces the
	// message for the rest of the pipeline; returning an error vetoes it.
	BeforeMessageHook interface {
		OnBeforeMessageBroadcast(m *store.Message, sender *Connection) (*store.Message, error)
	}

	// BeforeJoinHook may veto a connection joining a room.
	BeforeJoinHook interface {
		OnBeforeConnectionJoinedRoom(c *Connection, r *Room) error
	}

	// JoinedHook observes a completed join. Best-effort.
	JoinedHook interface {
		OnConnectionJoinedRoom(c *Connection, r *Room)
	}

	// LeftHook observes a connection leaving a room. Best-effort.
	LeftHook interface {
		OnConnectionLeftRoom(c *Connection, r *Room)
	}

	// NewConnectionHook observes every accepted connection.
	NewConnectionHook interface {
		OnNewConnection(c *Connection)
	}

	// AuthenticatedHook observes connections with a non-guest identity.
	AuthenticatedHook interface {
		OnConnectionAuthenticated(c *Connection)
	}

	// BinaryHook receives raw tagged binary frames. Returning true stops
	// dispatch to later plugins.
	BinaryHook interface {
		OnBinaryDataReceived(c *Connection, tag uint16, payload []byte) bool
	}

	// BeforeRegisterHook may veto new account creation.
	BeforeRegisterHook interface {
		OnBeforeRegister(username string) error
	}
)

// Meta is the static description of a plugin.
type Meta struct {
	Name        string
	Aliases     []string
	MinRight    int
	OPOnly      bool
	Hidden      bool
	NotCallable bool
	Rules       map[string]Rule
}

// BasePlugin provides the metadata methods of the Plugin interface from a
// Meta value. Embedders only implement Run and their hooks.
type BasePlugin struct {
	Meta Meta
}

func (b *BasePlugin) Name() string { return b.Meta.Name }

func (b *BasePlugin) Aliases() []string {
	return append([]string{b.Meta.Name}, b.Meta.Aliases...)
}

func (b *BasePlugin) MinRight() int { return b.Meta.MinRight }

func (b *BasePlugin) OPOnly() bool { return b.Meta.OPOnly }

func (b *BasePlugin) Callable() bool { return !b.Meta.NotCallable }

func (b *BasePlugin) Hidden() bool { return b.Meta.Hidden }

func (b *BasePlugin) Rules() map[string]Rule { return b.Meta.Rules }

// Run rejects invocation; callable plugins must override it.
func (b *BasePlugin) Run(alias, param string, ctx *CommandContext) error {
	return commandError(skychat.ErrUnknownCommand)
}
