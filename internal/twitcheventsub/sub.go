// Package twitcheventsub turns channel.chat.message notifications into drop
// events.
package twitcheventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/joeyak/go-twitch-eventsub/v3"
	"go.uber.org/zap"
)

const recentMessageIDs = 1024

// TokenSource supplies the user access token used for subscriptions.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context, stale string) (string, error)
}

// Sink receives every chat message in the drop channels.
type Sink interface {
	Dispatch(ev drop.Event) error
}

// CommandHandler receives the same messages for command parsing.
type CommandHandler interface {
	Handle(ctx context.Context, ev drop.Event) bool
}

type Adapter struct {
	clientID  string
	botUserID string
	channels  []string
	tokens    TokenSource
	sink      Sink
	commands  CommandHandler

	recent    *lru.Cache[string, struct{}]
	connected atomic.Bool
	ctx       context.Context

	newBackOff func() backoff.BackOff
}

func New(clientID, botUserID string, channels []string, tokens TokenSource, sink Sink, commands CommandHandler) *Adapter {
	recent, err := lru.New[string, struct{}](recentMessageIDs)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Adapter{
		clientID:  clientID,
		botUserID: botUserID,
		channels:  channels,
		tokens:    tokens,
		sink:      sink,
		commands:  commands,
		recent:    recent,
		ctx:       context.Background(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 2 * time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Connected reports whether the websocket session is up.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Start connects in the background and reconnects with backoff until ctx is
// done.
func (a *Adapter) Start(ctx context.Context) {
	a.ctx = ctx
	go a.run(ctx)
}

func (a *Adapter) run(ctx context.Context) {
	b := a.newBackOff()
	for {
		started := time.Now()
		err := a.connectOnce(ctx)
		if ctx.Err() != nil {
			logger.Info("EventSub stopped")
			return
		}
		// 長く接続できていた場合は待ち時間をリセット
		if time.Since(started) > 5*time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		logger.Warn("EventSub disconnected, reconnecting",
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (a *Adapter) connectOnce(ctx context.Context) error {
	client := twitch.NewClient()

	client.OnError(func(err error) {
		logger.Error("EventSub error", zap.Error(err))
		a.connected.Store(false)
	})
	client.OnWelcome(func(message twitch.WelcomeMessage) {
		logger.Info("EventSub connected", zap.String("session_id", message.Payload.Session.ID))
		a.connected.Store(true)
		go a.subscribe(ctx, message.Payload.Session.ID)
	})
	client.OnKeepAlive(func(message twitch.KeepAliveMessage) {
		a.connected.Store(true)
	})
	client.OnRevoke(func(message twitch.RevokeMessage) {
		logger.Warn("EventSub subscription revoked",
			zap.String("type", string(message.Payload.Subscription.Type)),
			zap.String("status", message.Payload.Subscription.Status))
	})
	client.OnNotification(func(message twitch.NotificationMessage) {
		if message.Payload.Subscription.Type != twitch.SubChannelChatMessage || message.Payload.Event == nil {
			logger.Debug("Unhandled EventSub notification",
				zap.String("type", string(message.Payload.Subscription.Type)))
			return
		}
		var evt twitch.EventChannelChatMessage
		if err := json.Unmarshal(*message.Payload.Event, &evt); err != nil {
			logger.Error("Failed to parse channel chat message event", zap.Error(err))
			return
		}
		a.HandleChatMessage(evt)
	})

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	logger.Info("Connecting to EventSub...")
	err := client.Connect()
	a.connected.Store(false)
	return err
}

// subscribe registers channel.chat.message for every drop channel. A failed
// subscription is retried once with a refreshed token.
func (a *Adapter) subscribe(ctx context.Context, sessionID string) {
	for _, channelID := range a.channels {
		token := a.tokens.AccessToken()
		err := a.subscribeChannel(sessionID, channelID, token)
		if err != nil {
			if fresh, rerr := a.tokens.Refresh(ctx, token); rerr == nil {
				err = a.subscribeChannel(sessionID, channelID, fresh)
			}
		}
		if err != nil {
			logger.Error("Failed to subscribe to chat",
				zap.String("channel_id", channelID),
				zap.Error(err))
			continue
		}
		logger.Info("Subscribed to chat", zap.String("channel_id", channelID))
	}
}

func (a *Adapter) subscribeChannel(sessionID, channelID, token string) error {
	_, err := twitch.SubscribeEvent(twitch.SubscribeRequest{
		SessionID:   sessionID,
		ClientID:    a.clientID,
		AccessToken: token,
		Event:       twitch.SubChannelChatMessage,
		Condition: map[string]string{
			"broadcaster_user_id": channelID,
			"user_id":             a.botUserID,
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s for %s: %w", twitch.SubChannelChatMessage, channelID, err)
	}
	return nil
}
