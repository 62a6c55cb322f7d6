package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/commands"
	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
	"github.com/ichi0g0y/twitch-coindrop/internal/env"
	"github.com/ichi0g0y/twitch-coindrop/internal/ledger"
	"github.com/ichi0g0y/twitch-coindrop/internal/localdb"
	"github.com/ichi0g0y/twitch-coindrop/internal/reward"
	"github.com/ichi0g0y/twitch-coindrop/internal/settings"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/ichi0g0y/twitch-coindrop/internal/twitchapi"
	"github.com/ichi0g0y/twitch-coindrop/internal/twitcheventsub"
	"github.com/ichi0g0y/twitch-coindrop/internal/twitchtoken"
	"github.com/ichi0g0y/twitch-coindrop/internal/version"
	"github.com/ichi0g0y/twitch-coindrop/internal/webserver"
	"go.uber.org/zap"
)

func main() {
	logger.Init(false)
	defer logger.Sync()

	cfg, err := env.Load()
	if err != nil {
		logger.Fatal("Failed to load environment", zap.Error(err))
	}
	logger.SetLogFile(cfg.LogFile)
	logger.Init(cfg.DebugMode)
	if cfg.DebugMode {
		logger.Info("Debug mode enabled")
	}

	logger.Info("Starting coindrop", zap.String("version", version.String()))

	engineCfg, err := settings.LoadEngineConfig(cfg.EngineConfigPath)
	if err != nil {
		logger.Fatal("Failed to load engine config", zap.String("path", cfg.EngineConfigPath), zap.Error(err))
	}
	if !cfg.TwitchConfigured() {
		logger.Fatal("Twitch is not configured (CLIENT_ID, TWITCH_ACCESS_TOKEN and TWITCH_BOT_USER_ID are required)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := localdb.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	gate := localdb.NewGate()
	go localdb.Monitor(ctx, db, gate, 30*time.Second)
	coins := ledger.New(db, gate)

	tokens := twitchtoken.NewSource(cfg.ClientID, cfg.ClientSecret, cfg.AccessToken, cfg.RefreshToken)
	client := twitchapi.NewClient(cfg.ClientID, cfg.BotUserID, tokens)
	go refreshTokenPeriodically(ctx, tokens)

	engine := drop.New(engineCfg, coins, client, reward.NewNotifier(engineCfg.RewardRoles, client))
	go engine.Run(ctx)

	router := commands.New(engineCfg, coins, engine, client, client)
	eventsub := twitcheventsub.New(cfg.ClientID, cfg.BotUserID, engineCfg.DropChannels, tokens, engine, router)
	eventsub.Start(ctx)

	web := webserver.New(ctx, coins, engine)
	if err := web.Start(cfg.ServerPort); err != nil {
		logger.Fatal("Failed to start web server", zap.Error(err))
	}

	logger.Info("Server started",
		zap.Int("port", cfg.ServerPort),
		zap.Strings("drop_channels", engineCfg.DropChannels),
		zap.String("overlay", fmt.Sprintf("ws://localhost:%d/ws", cfg.ServerPort)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	web.Shutdown()
	cancel()
	<-engine.Done()

	// 進行中のクレジットを待つ
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := coins.Flush(waitCtx); err != nil {
		logger.Warn("Pending credits not flushed before exit", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
