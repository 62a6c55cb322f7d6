package main

import (
	"context"
	"errors"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/ichi0g0y/twitch-coindrop/internal/twitchtoken"
	"go.uber.org/zap"
)

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// refreshTokenPeriodically refreshes the bot token 30 minutes before it
// expires. Tokens with unknown expiry are left to the refresh-on-401 path
// until their first refresh.
func refreshTokenPeriodically(ctx context.Context, tokens *twitchtoken.Source) {
	logger.Info("Starting token refresh goroutine")

	for {
		expiresAt := tokens.ExpiresAt()
		if expiresAt == 0 {
			if !sleepOrDone(ctx, time.Hour) {
				return
			}
			continue
		}

		timeUntilExpiry := expiresAt - time.Now().Unix()
		if timeUntilExpiry <= 30*60 {
			logger.Info("Token expires in less than 30 minutes, refreshing now",
				zap.Int64("seconds_until_expiry", timeUntilExpiry))
			if _, err := tokens.Refresh(ctx, tokens.AccessToken()); err != nil {
				if errors.Is(err, twitchtoken.ErrNoRefreshToken) {
					logger.Warn("Token cannot be refreshed, stopping token refresh goroutine")
					return
				}
				logger.Error("Failed to refresh token", zap.Error(err))
				if !sleepOrDone(ctx, 5*time.Minute) {
					return
				}
			}
			continue
		}

		sleepDuration := time.Duration(timeUntilExpiry-30*60) * time.Second
		if sleepDuration > time.Hour {
			sleepDuration = time.Hour
		}
		logger.Debug("Next token refresh check",
			zap.Duration("sleep_duration", sleepDuration),
			zap.Int64("seconds_until_expiry", timeUntilExpiry))
		if !sleepOrDone(ctx, sleepDuration) {
			return
		}
	}
}
