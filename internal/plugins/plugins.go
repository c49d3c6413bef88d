// Package plugins is the built-in command set of the chat server. Plugins
// are wired through an explicit registration table rather than discovered at
// runtime, so the compiler sees every binding.
package plugins

import (
	"github.com/skychatorg/skychat-sub001/internal/chat"
)

// Register installs the built-in plugin set on a server. Registration order
// is hook dispatch order.
func Register(s *chat.Server) {
	s.RegisterGlobalPlugin(NewMessagePlugin())
	s.RegisterGlobalPlugin(NewAuthPlugin())
	s.RegisterGlobalPlugin(NewHistoryPlugin())
	s.RegisterGlobalPlugin(NewModerationPlugin(s))
	s.RegisterGlobalPlugin(NewRoomPlugin())
	s.RegisterGlobalPlugin(NewHelpPlugin())

	s.RegisterRoomPlugin(NewTypingPlugin)
	s.RegisterRoomPlugin(NewCursorPlugin)
	s.RegisterRoomPlugin(NewAudioPlugin)
}
