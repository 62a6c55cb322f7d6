package env

import (
	"os"
	"testing"
)

// unsetAll clears the variables Load reads; t.Setenv restores them afterwards.
func unsetAll(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ENGINE_CONFIG", "DB_DRIVER", "DB_DSN", "CLIENT_ID", "CLIENT_SECRET",
		"TWITCH_ACCESS_TOKEN", "TWITCH_REFRESH_TOKEN", "TWITCH_BOT_USER_ID",
		"SERVER_PORT", "LOG_FILE", "DEBUG_MODE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetAll(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBDriver != "sqlite3" || cfg.DBDSN != "dropbot.db" {
		t.Fatalf("unexpected db defaults: driver=%q dsn=%q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.ServerPort != 8080 {
		t.Fatalf("unexpected port: %d", cfg.ServerPort)
	}
	if cfg.TwitchConfigured() {
		t.Fatalf("twitch must not be configured without credentials")
	}
}

func TestLoadTwitch(t *testing.T) {
	unsetAll(t)
	t.Setenv("CLIENT_ID", "client")
	t.Setenv("TWITCH_ACCESS_TOKEN", "token")
	t.Setenv("TWITCH_BOT_USER_ID", "42")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://localhost/coins")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.TwitchConfigured() {
		t.Fatalf("expected twitch to be configured: %+v", cfg)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("unexpected driver: %q", cfg.DBDriver)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	unsetAll(t)
	t.Setenv("DB_DRIVER", "mysql")

	if _, err := Load(); err == nil {
		t.Fatalf("expected an error for an unsupported driver")
	}
}
