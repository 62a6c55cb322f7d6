// Package commands handles the prefixed chat commands (.check, .stats,
// .place and the admin set).
package commands

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
	"github.com/ichi0g0y/twitch-coindrop/internal/ledger"
	"github.com/ichi0g0y/twitch-coindrop/internal/settings"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	userCooldown    = 4 * time.Second
	channelCooldown = 1500 * time.Millisecond
	commandTimeout  = 2 * time.Minute
	maxLimiters     = 4096
)

// Ledger is the read and reset side of the coin ledger.
type Ledger interface {
	Ready() bool
	Read(ctx context.Context, userID string) (*ledger.Balance, error)
	TopN(ctx context.Context, n int) ([]ledger.Balance, error)
	Delete(ctx context.Context, userID string) (bool, error)
}

// Engine is the drop engine surface commands drive.
type Engine interface {
	ForceSpawn(ctx context.Context, channelID string) error
	Place(ctx context.Context, authorID, authorName, channelID string) error
	SetDropsEnabled(enabled bool)
	DropsEnabled() bool
	WaitFor(ctx context.Context, match func(drop.Event) bool, timeout time.Duration) (drop.Event, error)
}

// Chat posts replies.
type Chat interface {
	PostMessage(ctx context.Context, channelID, text string) (drop.MessageHandle, error)
	DeleteMessage(ctx context.Context, h drop.MessageHandle) error
}

// Users resolves chat logins and display names.
type Users interface {
	ResolveLogin(ctx context.Context, login string) (userID, displayName string, err error)
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

type handlerFunc func(ctx context.Context, r *Router, ev drop.Event, args []string)

type command struct {
	run       handlerFunc
	adminOnly bool
	limited   bool
}

type Router struct {
	cfg    *settings.EngineConfig
	ledger Ledger
	engine Engine
	chat   Chat
	users  Users

	commands map[string]command

	mu       sync.Mutex
	perUser  map[string]*rate.Limiter
	perChan  map[string]*rate.Limiter
	confirmT time.Duration
}

func New(cfg *settings.EngineConfig, l Ledger, engine Engine, chat Chat, users Users) *Router {
	r := &Router{
		cfg:      cfg,
		ledger:   l,
		engine:   engine,
		chat:     chat,
		users:    users,
		perUser:  make(map[string]*rate.Limiter),
		perChan:  make(map[string]*rate.Limiter),
		confirmT: 30 * time.Second,
	}
	r.commands = map[string]command{
		"check":        {run: handleCheck, limited: true},
		"stats":        {run: handleStats, limited: true},
		"place":        {run: handlePlace, limited: true},
		"peek":         {run: handlePeek, adminOnly: true},
		"reset_user":   {run: handleResetUser, adminOnly: true},
		"drop_setting": {run: handleDropSetting, adminOnly: true},
		"force_spawn":  {run: handleForceSpawn, adminOnly: true},
	}
	return r
}

// Parse splits a prefixed message into a command name and arguments.
func (r *Router) Parse(content string) (name string, args []string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, r.cfg.CommandPrefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, r.cfg.CommandPrefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Handle runs ev as a command in the background when it is one. It reports
// whether ev was a known command.
func (r *Router) Handle(ctx context.Context, ev drop.Event) bool {
	name, args, ok := r.Parse(ev.Content)
	if !ok {
		return false
	}
	cmd, ok := r.commands[name]
	if !ok {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		r.run(ctx, name, cmd, ev, args)
	}()
	return true
}

// Execute runs ev synchronously. It reports whether ev was a known command.
func (r *Router) Execute(ctx context.Context, ev drop.Event) bool {
	name, args, ok := r.Parse(ev.Content)
	if !ok {
		return false
	}
	cmd, ok := r.commands[name]
	if !ok {
		return false
	}
	r.run(ctx, name, cmd, ev, args)
	return true
}

func (r *Router) run(ctx context.Context, name string, cmd command, ev drop.Event, args []string) {
	if cmd.adminOnly && !r.cfg.IsAdmin(ev.AuthorID) {
		logger.Debug("Admin command rejected", zap.String("command", name), zap.String("user_id", ev.AuthorID))
		return
	}
	if cmd.limited && !r.allow(ev.AuthorID, ev.ChannelID) {
		logger.Debug("Command on cooldown", zap.String("command", name), zap.String("user_id", ev.AuthorID))
		return
	}

	logger.Info("Command",
		zap.String("command", name),
		zap.String("user_id", ev.AuthorID),
		zap.String("channel_id", ev.ChannelID),
		zap.Strings("args", args))
	cmd.run(ctx, r, ev, args)
}

// allow applies the per-user and per-channel cooldowns. A call rejected by
// one limiter does not consume the other.
func (r *Router) allow(userID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	u := limiterFor(r.perUser, userID, userCooldown)
	ru := u.ReserveN(now, 1)
	if ru.DelayFrom(now) > 0 {
		ru.CancelAt(now)
		return false
	}
	c := limiterFor(r.perChan, channelID, channelCooldown)
	rc := c.ReserveN(now, 1)
	if rc.DelayFrom(now) > 0 {
		rc.CancelAt(now)
		ru.CancelAt(now)
		return false
	}
	return true
}

func limiterFor(set map[string]*rate.Limiter, key string, every time.Duration) *rate.Limiter {
	if l, ok := set[key]; ok {
		return l
	}
	if len(set) >= maxLimiters {
		// 満タンのリミッターは初期状態と同じなので捨ててよい
		now := time.Now()
		for k, l := range set {
			if l.TokensAt(now) >= 1 {
				delete(set, k)
			}
		}
	}
	l := rate.NewLimiter(rate.Every(every), 1)
	set[key] = l
	return l
}

func (r *Router) reply(ctx context.Context, channelID, text string) {
	if _, err := r.chat.PostMessage(ctx, channelID, text); err != nil {
		logger.Warn("Failed to post command reply", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func mention(ev drop.Event) string {
	if ev.AuthorName != "" {
		return "@" + ev.AuthorName
	}
	return "@" + ev.AuthorID
}
