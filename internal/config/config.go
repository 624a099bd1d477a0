package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ServerTarget is one of the fixed set of game-proxy instances this process
// can serve. Exactly one is current per running process.
type ServerTarget struct {
	ID   string `toml:"id" json:"id"`
	Name string `toml:"name" json:"name"`
	Port int    `toml:"port" json:"port"`
}

// BotSettings holds per-session tuning knobs.
type BotSettings struct {
	// MaxReconnectAttempts before a session settles in the stopped state
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`

	// ReconnectDelayMS between a disconnect and the next attempt
	ReconnectDelayMS int `toml:"reconnect_delay_ms"`

	// ConnectTimeoutMS is the bounded wait for world spawn
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`

	// ChatRatePerSec limits outbound chat lines to avoid spam kicks
	ChatRatePerSec float64 `toml:"chat_rate_per_sec"`
}

// LogSettings mirrors logging.Config in TOML form.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full process configuration, fixed at startup.
type Config struct {
	// Servers is the static set of proxy instances
	Servers []ServerTarget `toml:"servers"`

	// CurrentServerID selects which entry in Servers this process serves
	CurrentServerID string `toml:"current_server" env:"CURRENT_SERVER"`

	// GameHost/GamePort locate the remote game server
	GameHost string `toml:"game_host" env:"MINECRAFT_HOST"`
	GamePort int    `toml:"game_port" env:"MINECRAFT_PORT"`

	// GameVersion is the protocol version announced on connect
	GameVersion string `toml:"game_version"`

	// HTTPPort is the control-plane/health listen port
	HTTPPort int `toml:"http_port" env:"PORT"`

	// DataDir holds the credential snapshot, the verification request
	// database and log files
	DataDir string `toml:"data_dir" env:"BOT_DATA_DIR"`

	Bot BotSettings `toml:"bot"`
	Log LogSettings `toml:"log"`
}

// DefaultServers matches the deployed proxy fleet.
func DefaultServers() []ServerTarget {
	return []ServerTarget{
		{ID: "server1", Name: "Szerver 1", Port: 8080},
		{ID: "server2", Name: "Szerver 2", Port: 8081},
		{ID: "server3", Name: "Szerver 3", Port: 8082},
		{ID: "server4", Name: "Szerver 4", Port: 8083},
		{ID: "server5", Name: "Szerver 5", Port: 8084},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Servers:         DefaultServers(),
		CurrentServerID: "server1",
		GameHost:        "donutsmp.net",
		GamePort:        25565,
		GameVersion:     "1.20.1",
		HTTPPort:        3000,
		DataDir:         "data",
		Bot: BotSettings{
			MaxReconnectAttempts: 5,
			ReconnectDelayMS:     5000,
			ConnectTimeoutMS:     60000,
			ChatRatePerSec:       1,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the TOML file at path (missing file is not an error) and then
// applies environment overrides. Environment wins over file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultServers()
	}
	if _, ok := cfg.CurrentServer(); !ok {
		return nil, fmt.Errorf("unknown current server %q", cfg.CurrentServerID)
	}
	return cfg, nil
}

// CurrentServer returns the ServerTarget selected by CurrentServerID.
func (c *Config) CurrentServer() (ServerTarget, bool) {
	for _, s := range c.Servers {
		if s.ID == c.CurrentServerID {
			return s, true
		}
	}
	return ServerTarget{}, false
}

// ReconnectDelay returns the configured delay as a duration.
func (s BotSettings) ReconnectDelay() time.Duration {
	if s.ReconnectDelayMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReconnectDelayMS) * time.Millisecond
}

// ConnectTimeout returns the configured spawn wait as a duration.
func (s BotSettings) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.ConnectTimeoutMS) * time.Millisecond
}
