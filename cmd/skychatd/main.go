// Command skychatd runs the chat server.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skychatorg/skychat-sub001/internal/chat"
	"github.com/skychatorg/skychat-sub001/internal/plugins"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

type fileConfig struct {
	Addr            string   `json:"addr"`
	ServerName      string   `json:"server_name"`
	DefaultRoom     string   `json:"default_room"`
	HistorySize     int      `json:"history_size"`
	DatabasePath    string   `json:"database_path"`
	StorageDir      string   `json:"storage_dir"`
	TokenSecret     string   `json:"token_secret"`
	MaxPendingPerIP int      `json:"max_pending_per_ip"`
	SessionGraceSec int      `json:"session_grace_seconds"`
	OPIdentifiers   []string `json:"op_identifiers"`
	NodeID          int64    `json:"node_id"`
}

func defaultConfig() fileConfig {
	return fileConfig{
		Addr:            ":8080",
		ServerName:      "skychat",
		DefaultRoom:     "main",
		HistorySize:     100,
		DatabasePath:    "skychat.db",
		StorageDir:      "storage",
		MaxPendingPerIP: 8,
		SessionGraceSec: 60,
		OPIdentifiers:   []string{},
	}
}

// loadConfig reads the JSON config file, writing one with defaults when it
// does not exist yet.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return cfg, err
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		log.Printf("wrote default config to %s", path)
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "skychat.json", "path to the JSON config file")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	server, err := chat.NewServer(chat.Config{
		Addr:            cfg.Addr,
		ServerName:      cfg.ServerName,
		DefaultRoom:     cfg.DefaultRoom,
		HistorySize:     cfg.HistorySize,
		StorageDir:      cfg.StorageDir,
		MaxPendingPerIP: cfg.MaxPendingPerIP,
		SessionGrace:    time.Duration(cfg.SessionGraceSec) * time.Second,
		OPIdentifiers:   cfg.OPIdentifiers,
		TokenSecret:     cfg.TokenSecret,
		NodeID:          cfg.NodeID,
	}, db)
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	plugins.Register(server)

	if err := server.Start(); err != nil {
		log.Fatalf("start server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	if err := server.Stop(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
