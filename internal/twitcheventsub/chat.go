package twitcheventsub

import (
	"errors"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"github.com/joeyak/go-twitch-eventsub/v3"
	"go.uber.org/zap"
)

var now = time.Now

func toEvent(evt twitch.EventChannelChatMessage) drop.Event {
	return drop.Event{
		AuthorID:   evt.Chatter.ChatterUserId,
		AuthorName: evt.Chatter.ChatterUserName,
		ChannelID:  evt.Broadcaster.BroadcasterUserId,
		MessageID:  evt.MessageId,
		Content:    evt.Message.Text,
		Timestamp:  now(),
	}
}

// HandleChatMessage feeds one chat notification to the engine and the
// command router. Redelivered message ids and the bot's own messages are
// dropped.
func (a *Adapter) HandleChatMessage(evt twitch.EventChannelChatMessage) {
	ev := toEvent(evt)
	if ev.AuthorID == "" || ev.AuthorID == a.botUserID {
		return
	}
	if ev.MessageID != "" {
		if seen, _ := a.recent.ContainsOrAdd(ev.MessageID, struct{}{}); seen {
			logger.Debug("Duplicate chat message dropped", zap.String("message_id", ev.MessageID))
			return
		}
	}

	if err := a.sink.Dispatch(ev); err != nil {
		if errors.Is(err, drop.ErrEngineStopped) {
			logger.Debug("Engine stopped, chat message ignored")
		} else {
			logger.Warn("Failed to dispatch chat message", zap.Error(err))
		}
	}
	if a.commands != nil {
		a.commands.Handle(a.ctx, ev)
	}
}
