package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	typ   keyType
	env   string
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		typ: kInt, env: "GRADNOTE_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		typ: kInt, env: "GRADNOTE_SERVER_MCP_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
	},
	{
		typ: kString, env: "GRADNOTE_BACKEND_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
	},
	{
		typ: kString, env: "GRADNOTE_BACKEND_ACCESS_TOKEN",
		apply: func(cfg *Config, v any) { cfg.Backend.AccessToken = v.(string) },
	},
	{
		typ: kString, env: "GRADNOTE_BACKEND_REFRESH_TOKEN",
		apply: func(cfg *Config, v any) { cfg.Backend.RefreshToken = v.(string) },
	},
	{
		typ: kDuration, env: "GRADNOTE_BACKEND_SHORT_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Backend.ShortTimeout = v.(time.Duration) },
	},
	{
		typ: kDuration, env: "GRADNOTE_BACKEND_LONG_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Backend.LongTimeout = v.(time.Duration) },
	},
	{
		typ: kString, env: "GRADNOTE_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		typ: kString, env: "GRADNOTE_API_TOKEN",
		apply: func(cfg *Config, v any) { cfg.API.Token = v.(string) },
	},
	{
		typ: kString, env: "GRADNOTE_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
