package settings

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
)

// Currency names the unit shown in chat.
type Currency struct {
	Singular string `toml:"singular"`
	Plural   string `toml:"plural"`
}

// EngineConfig is the drop engine configuration. It is read once at startup
// and never mutated afterwards.
type EngineConfig struct {
	DropChannels    []string          `toml:"drop_channels"`
	DropChance      float64           `toml:"drop_chance"`
	CooldownTime    float64           `toml:"cooldown_time"`    // seconds
	RecoveryTime    float64           `toml:"recovery_time"`    // seconds
	AdditionalDelay float64           `toml:"additional_delay"` // seconds
	ClaimTimeout    float64           `toml:"claim_timeout"`    // seconds
	PickStrings     []string          `toml:"pick_strings"`
	DropStrings     []string          `toml:"drop_strings"`
	RewardRolesRaw  map[string]string `toml:"reward_roles"`
	AdminUsers      []string          `toml:"admin_users"`
	CommandPrefix   string            `toml:"command_prefix"`
	Currency        Currency          `toml:"currency"`
	LeaderboardSize int               `toml:"leaderboard_size"`
	LeaderboardLong int               `toml:"leaderboard_size_long"`

	// RewardRoles is RewardRolesRaw keyed by balance; filled by Normalize.
	RewardRoles map[int64]string `toml:"-"`

	dropChannelSet map[string]struct{}
	adminSet       map[string]struct{}
}

// Defaults mirror the values the bot shipped with.
var Defaults = EngineConfig{
	DropChance:      0.1,
	CooldownTime:    20,
	RecoveryTime:    10,
	AdditionalDelay: 5,
	ClaimTimeout:    90,
	PickStrings:     []string{"pick|grab"},
	DropStrings:     []string{"A coin fell out of someone's pocket! Type {token} to pick it up!"},
	CommandPrefix:   ".",
	Currency:        Currency{Singular: "coin", Plural: "coins"},
	LeaderboardSize: 8,
	LeaderboardLong: 25,
}

// LoadEngineConfig decodes a TOML file, applies defaults and validates it.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := Defaults
	cfg.PickStrings = nil
	cfg.DropStrings = nil

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode engine config %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		logger.Warn("Unknown engine config key ignored", zap.String("key", key.String()))
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults for unset values, builds lookup sets and validates.
func (c *EngineConfig) Normalize() error {
	if len(c.PickStrings) == 0 {
		c.PickStrings = Defaults.PickStrings
	}
	if len(c.DropStrings) == 0 {
		c.DropStrings = Defaults.DropStrings
	}
	if c.ClaimTimeout == 0 {
		c.ClaimTimeout = Defaults.ClaimTimeout
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = Defaults.CommandPrefix
	}
	if c.Currency.Singular == "" {
		c.Currency.Singular = Defaults.Currency.Singular
	}
	if c.Currency.Plural == "" {
		c.Currency.Plural = Defaults.Currency.Plural
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = Defaults.LeaderboardSize
	}
	if c.LeaderboardLong <= 0 {
		c.LeaderboardLong = Defaults.LeaderboardLong
	}

	c.RewardRoles = make(map[int64]string, len(c.RewardRolesRaw))
	for key, role := range c.RewardRolesRaw {
		coins, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || coins <= 0 {
			return fmt.Errorf("reward_roles: key %q must be a positive integer", key)
		}
		c.RewardRoles[coins] = role
	}

	c.dropChannelSet = toSet(c.DropChannels)
	c.adminSet = toSet(c.AdminUsers)

	return ValidateEngineConfig(c)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// IsDropChannel reports whether drops may spawn in channelID.
func (c *EngineConfig) IsDropChannel(channelID string) bool {
	_, ok := c.dropChannelSet[channelID]
	return ok
}

// IsAdmin reports whether userID bypasses permission checks.
func (c *EngineConfig) IsAdmin(userID string) bool {
	_, ok := c.adminSet[userID]
	return ok
}

// CoinText renders "1 coin" / "3 coins".
func (c *EngineConfig) CoinText(coins int64) string {
	if coins == 1 {
		return fmt.Sprintf("%d %s", coins, c.Currency.Singular)
	}
	return fmt.Sprintf("%d %s", coins, c.Currency.Plural)
}

func (c *EngineConfig) Cooldown() time.Duration    { return seconds(c.CooldownTime) }
func (c *EngineConfig) Recovery() time.Duration    { return seconds(c.RecoveryTime) }
func (c *EngineConfig) BonusWindow() time.Duration { return seconds(c.AdditionalDelay) }
func (c *EngineConfig) ClaimWindow() time.Duration { return seconds(c.ClaimTimeout) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ValidateEngineConfig checks value ranges.
func ValidateEngineConfig(c *EngineConfig) error {
	switch {
	case math.IsNaN(c.DropChance) || c.DropChance < 0 || c.DropChance > 1:
		return fmt.Errorf("drop_chance must be between 0 and 1")
	case c.CooldownTime < 0:
		return fmt.Errorf("cooldown_time must not be negative")
	case c.RecoveryTime < 0:
		return fmt.Errorf("recovery_time must not be negative")
	case c.AdditionalDelay < 0:
		return fmt.Errorf("additional_delay must not be negative")
	case c.ClaimTimeout <= 0:
		return fmt.Errorf("claim_timeout must be positive")
	}
	for _, pick := range c.PickStrings {
		if strings.Trim(pick, "| \t") == "" {
			return fmt.Errorf("pick_strings must not contain empty entries")
		}
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		return fmt.Errorf("command_prefix must not be blank")
	}
	return nil
}
