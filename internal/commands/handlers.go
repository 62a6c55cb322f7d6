package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
	"github.com/ichi0g0y/twitch-coindrop/internal/ledger"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/ichi0g0y/twitch-coindrop/internal/twitchapi"
	"go.uber.org/zap"
)

var randIntN = rand.IntN

const unavailableText = "The coin bank is unavailable right now, try again later."

func handleCheck(ctx context.Context, r *Router, ev drop.Event, _ []string) {
	if !r.ledger.Ready() {
		r.reply(ctx, ev.ChannelID, unavailableText)
		return
	}

	b, err := r.ledger.Read(ctx, ev.AuthorID)
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		r.reply(ctx, ev.ChannelID, unavailableText)
		return
	case err != nil:
		logger.Error("Failed to read balance", zap.String("user_id", ev.AuthorID), zap.Error(err))
		return
	}

	if b == nil || b.Coins == 0 {
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s You haven't got any %s yet!", mention(ev), r.cfg.Currency.Plural))
	} else {
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s You have %s.", mention(ev), r.cfg.CoinText(b.Coins)))
	}

	if ev.MessageID != "" {
		if err := r.chat.DeleteMessage(ctx, drop.MessageHandle{ChannelID: ev.ChannelID, MessageID: ev.MessageID}); err != nil {
			logger.Debug("Failed to delete command message", zap.Error(err))
		}
	}
}

func handlePeek(ctx context.Context, r *Router, ev drop.Event, args []string) {
	if len(args) == 0 {
		r.reply(ctx, ev.ChannelID, "Usage: "+r.cfg.CommandPrefix+"peek <user>")
		return
	}
	if !r.ledger.Ready() {
		r.reply(ctx, ev.ChannelID, unavailableText)
		return
	}

	userID, name, ok := r.resolveUser(ctx, ev, args[0])
	if !ok {
		return
	}
	b, err := r.ledger.Read(ctx, userID)
	if err != nil {
		logger.Error("Failed to read balance", zap.String("user_id", userID), zap.Error(err))
		r.reply(ctx, ev.ChannelID, unavailableText)
		return
	}

	if b == nil {
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s hasn't gotten any %s yet!", name, r.cfg.Currency.Plural))
		return
	}
	r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s has %s.", name, r.cfg.CoinText(b.Coins)))
}

func handleStats(ctx context.Context, r *Router, ev drop.Event, args []string) {
	if !r.ledger.Ready() {
		r.reply(ctx, ev.ChannelID, unavailableText)
		return
	}

	limit := r.cfg.LeaderboardSize
	if len(args) > 0 && strings.EqualFold(args[0], "long") && r.cfg.IsAdmin(ev.AuthorID) {
		limit = r.cfg.LeaderboardLong
	}

	top, err := r.ledger.TopN(ctx, limit)
	if err != nil {
		logger.Error("Failed to load leaderboard", zap.Error(err))
		r.reply(ctx, ev.ChannelID, unavailableText)
		return
	}
	if len(top) == 0 {
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("Nobody has any %s yet!", r.cfg.Currency.Plural))
		return
	}

	ids := make([]string, len(top))
	for i, b := range top {
		ids[i] = b.UserID
	}
	names := map[string]string{}
	if r.users != nil {
		var err error
		if names, err = r.users.DisplayNames(ctx, ids); err != nil {
			logger.Warn("Failed to resolve leaderboard names", zap.Error(err))
		}
	}

	listing := make([]string, len(top))
	for i, b := range top {
		name, ok := names[b.UserID]
		if !ok {
			name = b.UserID
		}
		listing[i] = fmt.Sprintf("%d: %s with %s", i+1, name, r.cfg.CoinText(b.Coins))
	}
	r.reply(ctx, ev.ChannelID, strings.Join(listing, " | "))
}

func handleResetUser(ctx context.Context, r *Router, ev drop.Event, args []string) {
	if len(args) == 0 {
		r.reply(ctx, ev.ChannelID, "Usage: "+r.cfg.CommandPrefix+"reset_user <user>")
		return
	}
	if !r.ledger.Ready() {
		r.reply(ctx, ev.ChannelID, "No connection to database.")
		return
	}

	userID, name, ok := r.resolveUser(ctx, ev, args[0])
	if !ok {
		return
	}
	b, err := r.ledger.Read(ctx, userID)
	if err != nil {
		logger.Error("Failed to read balance", zap.String("user_id", userID), zap.Error(err))
		r.reply(ctx, ev.ChannelID, "No connection to database.")
		return
	}
	if b == nil {
		r.reply(ctx, ev.ChannelID, "This user doesn't have a database entry.")
		return
	}

	confirm := fmt.Sprintf("confirm %06d", randIntN(1000000))
	lastPicked := "never"
	if !b.LastPicked.IsZero() {
		lastPicked = b.LastPicked.UTC().Format("2006-01-02 15:04:05") + " UTC"
	}
	r.reply(ctx, ev.ChannelID, fmt.Sprintf(
		"Are you sure? %s has %s, last picking one up at %s. (type '%s' or 'cancel')",
		name, r.cfg.CoinText(b.Coins), lastPicked, confirm))

	answer, err := r.engine.WaitFor(ctx, func(m drop.Event) bool {
		if m.AuthorID != ev.AuthorID || m.ChannelID != ev.ChannelID {
			return false
		}
		content := strings.ToLower(strings.TrimSpace(m.Content))
		return content == confirm || content == "cancel"
	}, r.confirmT)
	if err != nil {
		if errors.Is(err, drop.ErrWaitTimeout) {
			r.reply(ctx, ev.ChannelID, fmt.Sprintf("Timed out request to reset %s.", name))
			return
		}
		logger.Warn("Reset confirmation aborted", zap.Error(err))
		return
	}
	if strings.EqualFold(strings.TrimSpace(answer.Content), "cancel") {
		r.reply(ctx, ev.ChannelID, "Cancelled.")
		return
	}

	removed, err := r.ledger.Delete(ctx, userID)
	if err != nil {
		logger.Error("Failed to reset user", zap.String("user_id", userID), zap.Error(err))
		r.reply(ctx, ev.ChannelID, "No connection to database.")
		return
	}
	if !removed {
		r.reply(ctx, ev.ChannelID, "This user doesn't have a database entry.")
		return
	}
	logger.Info("User reset", zap.String("user_id", userID), zap.String("by", ev.AuthorID))
	r.reply(ctx, ev.ChannelID, fmt.Sprintf("Cleared entry for %s", name))
}

func handleDropSetting(ctx context.Context, r *Router, ev drop.Event, args []string) {
	if len(args) == 0 {
		if r.engine.DropsEnabled() {
			r.reply(ctx, ev.ChannelID, "Currently doing random drops.")
		} else {
			r.reply(ctx, ev.ChannelID, "Currently NOT doing random drops.")
		}
		return
	}

	enabled, ok := parseBool(args[0])
	if !ok {
		r.reply(ctx, ev.ChannelID, "Usage: "+r.cfg.CommandPrefix+"drop_setting [true|false]")
		return
	}
	r.engine.SetDropsEnabled(enabled)
	if enabled {
		r.reply(ctx, ev.ChannelID, "Will do random drops.")
	} else {
		r.reply(ctx, ev.ChannelID, "Will NOT do random drops.")
	}
}

func handleForceSpawn(ctx context.Context, r *Router, ev drop.Event, args []string) {
	if len(args) == 0 {
		r.reply(ctx, ev.ChannelID, "You must specify a drop channel.")
		return
	}

	channelID, name, ok := r.resolveUser(ctx, ev, args[0])
	if !ok {
		return
	}

	err := r.engine.ForceSpawn(ctx, channelID)
	switch {
	case err == nil:
		logger.Info("Coin force dropped", zap.String("channel_id", channelID), zap.String("by", ev.AuthorID))
		if channelID != ev.ChannelID {
			r.reply(ctx, ev.ChannelID, fmt.Sprintf("Dropped a %s in %s's chat.", r.cfg.Currency.Singular, name))
		}
	case errors.Is(err, ledger.ErrUnavailable):
		r.reply(ctx, ev.ChannelID, "Cannot access the db right now.")
	case errors.Is(err, drop.ErrLocked):
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("A %s is already spawned somewhere.", r.cfg.Currency.Singular))
	case errors.Is(err, drop.ErrNotDropChannel):
		r.reply(ctx, ev.ChannelID, "Channel is not in drop list.")
	default:
		logger.Error("Force spawn failed", zap.Error(err))
	}
}

func handlePlace(ctx context.Context, r *Router, ev drop.Event, _ []string) {
	err := r.engine.Place(ctx, ev.AuthorID, ev.AuthorName, ev.ChannelID)
	switch {
	case err == nil:
	case errors.Is(err, drop.ErrInsufficientFunds):
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s You don't have any %s to drop!", mention(ev), r.cfg.Currency.Plural))
	case errors.Is(err, drop.ErrLocked):
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s A %s is already out there, go grab it!", mention(ev), r.cfg.Currency.Singular))
	case errors.Is(err, drop.ErrNotDropChannel):
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("%s You can't drop %s here.", mention(ev), r.cfg.Currency.Plural))
	case errors.Is(err, ledger.ErrUnavailable):
		r.reply(ctx, ev.ChannelID, unavailableText)
	default:
		logger.Error("Place failed", zap.String("user_id", ev.AuthorID), zap.Error(err))
	}
}

// resolveUser accepts a numeric user id or a login.
func (r *Router) resolveUser(ctx context.Context, ev drop.Event, arg string) (string, string, bool) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "@")
	if _, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return arg, arg, true
	}
	if r.users == nil {
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("I couldn't find user %s.", arg))
		return "", "", false
	}

	id, name, err := r.users.ResolveLogin(ctx, arg)
	if err != nil {
		if !errors.Is(err, twitchapi.ErrUserNotFound) {
			logger.Warn("Failed to resolve user", zap.String("login", arg), zap.Error(err))
		}
		r.reply(ctx, ev.ChannelID, fmt.Sprintf("I couldn't find user %s.", arg))
		return "", "", false
	}
	return id, name, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "yes", "y", "enable", "enabled":
		return true, true
	case "off", "no", "n", "disable", "disabled":
		return false, true
	}
	v, err := strconv.ParseBool(s)
	return v, err == nil
}
