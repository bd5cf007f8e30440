package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AgentConfig represents the per-user ~/.chatty/config.toml consumed by the
// client agent.
type AgentConfig struct {
	// ServerURL is the WebSocket endpoint of the chat server,
	// e.g. ws://localhost:8970/ws.
	ServerURL string `toml:"server_url"`
	// UserID identifies this agent to the server.
	UserID string `toml:"user_id"`
	// Token is the opaque access token presented during the handshake.
	Token string `toml:"token"`
	// DefaultSession selects the session when no --session flag is given.
	DefaultSession string `toml:"default_session"`
	// MaxRetries bounds outbox send attempts before a message is abandoned.
	// Zero means the built-in default of 5.
	MaxRetries int `toml:"max_retries"`
}

// ServerConfig configures the chattyd server daemon.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address, e.g. ":8970".
	ListenAddr string `toml:"listen_addr"`
	// DBPath is the sqlite database file path.
	DBPath string `toml:"db_path"`
	// LogPath is the server log file path.
	LogPath string `toml:"log_path"`
}

// DefaultServerConfig returns a ServerConfig with working defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: ":8970",
		DBPath:     "chattyd.db",
		LogPath:    "chattyd.log",
	}
}

// LoadAgent reads the agent config from the given path.
func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveAgent writes the agent config to the given path, creating parent dirs
// as needed.
func SaveAgent(path string, cfg *AgentConfig) error {
	return save(path, cfg)
}

// LoadServer reads the server config from the given path. A missing file is
// not an error: defaults are returned.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveServer writes the server config to the given path.
func SaveServer(path string, cfg *ServerConfig) error {
	return save(path, cfg)
}

func save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
