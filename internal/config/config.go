package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gradnote/gradnote/internal/backend"
)

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Storage StorageConfig
	API     APIConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type BackendConfig struct {
	BaseURL      string
	AccessToken  string
	RefreshToken string
	ShortTimeout time.Duration
	LongTimeout  time.Duration
}

type StorageConfig struct {
	DataDir string
}

type APIConfig struct {
	// Token protects the local HTTP API. Empty disables auth.
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4700,
			MCPPort: 4701,
		},
		Backend: BackendConfig{
			BaseURL:      "http://localhost:8718/api/v1",
			ShortTimeout: backend.DefaultShortTimeout,
			LongTimeout:  backend.DefaultLongTimeout,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults and GRADNOTE_* environment
// variables. The backend base URL must resolve to something non-empty;
// tokens may be absent, in which case the first authenticated call fails
// with a re-authentication error instead.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)

	if cfg.Backend.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: backend base URL (GRADNOTE_BACKEND_BASE_URL)")
	}
	if cfg.Storage.DataDir == "" {
		return Config{}, fmt.Errorf("missing required config: data directory (GRADNOTE_STORAGE_DATA_DIR)")
	}

	return cfg, nil
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "gradnote")
}
