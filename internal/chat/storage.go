package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// GlobalNamespace is the storage namespace of global plugins.
const GlobalNamespace = "global"

// RoomNamespace returns the storage namespace of a room's plugin instances.
func RoomNamespace(room string) string {
	return "room_" + sanitizeStorageName(room)
}

func sanitizeStorageName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func (s *Server) storagePath(namespace, plugin string) string {
	file := sanitizeStorageName(plugin) + ".json"
	return filepath.Join(s.cfg.StorageDir, sanitizeStorageName(namespace), file)
}

// LoadPluginStorage reads a plugin's persisted JSON blob into v. A missing
// file or a disabled storage dir leaves v untouched and returns nil, so
// plugins always start from their zero state.
func (s *Server) LoadPluginStorage(namespace, plugin string, v interface{}) error {
	if s.cfg.StorageDir == "" {
		return nil
	}
	data, err := os.ReadFile(s.storagePath(namespace, plugin))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load plugin storage %s/%s: %w", namespace, plugin, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("load plugin storage %s/%s: %w", namespace, plugin, err)
	}
	return nil
}

// SavePluginStorage writes a plugin's state as a JSON blob. No-op when the
// storage dir is disabled.
func (s *Server) SavePluginStorage(namespace, plugin string, v interface{}) error {
	if s.cfg.StorageDir == "" {
		return nil
	}
	path := s.storagePath(namespace, plugin)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save plugin storage %s/%s: %w", namespace, plugin, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("save plugin storage %s/%s: %w", namespace, plugin, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save plugin storage %s/%s: %w", namespace, plugin, err)
	}
	return nil
}
