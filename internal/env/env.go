package env

import (
	"errors"
	"fmt"
	"os"

	cenv "github.com/caarlos0/env/v11"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds process level settings. Engine tuning lives in the TOML file
// referenced by EngineConfigPath.
type Config struct {
	EngineConfigPath string `env:"ENGINE_CONFIG" envDefault:"config.toml"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DBDSN    string `env:"DB_DSN" envDefault:"dropbot.db"`

	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	AccessToken  string `env:"TWITCH_ACCESS_TOKEN"`
	RefreshToken string `env:"TWITCH_REFRESH_TOKEN"`
	BotUserID    string `env:"TWITCH_BOT_USER_ID"`

	ServerPort int    `env:"SERVER_PORT" envDefault:"8080"`
	LogFile    string `env:"LOG_FILE" envDefault:"dropbot.log"`
	DebugMode  bool   `env:"DEBUG_MODE" envDefault:"false"`
}

// TwitchConfigured reports whether the chat transport can be started.
func (c *Config) TwitchConfigured() bool {
	return c.ClientID != "" && c.AccessToken != "" && c.BotUserID != ""
}

// Load reads .env (if present) into the process environment and parses Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	var cfg Config
	if err := cenv.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	switch cfg.DBDriver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (expected sqlite3 or postgres)", cfg.DBDriver)
	}

	return &cfg, nil
}
