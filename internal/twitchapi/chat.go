package twitchapi

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
)

// PostMessage sends text to the chat of channelID as the bot.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) (drop.MessageHandle, error) {
	if err := c.chatLimiter.Wait(ctx); err != nil {
		return drop.MessageHandle{}, err
	}

	body := map[string]string{
		"broadcaster_id": channelID,
		"sender_id":      c.botUserID,
		"message":        text,
	}
	var result struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := c.do(ctx, "POST", "/chat/messages", nil, body, &result); err != nil {
		return drop.MessageHandle{}, fmt.Errorf("failed to send chat message: %w", err)
	}
	if len(result.Data) == 0 {
		return drop.MessageHandle{}, fmt.Errorf("failed to send chat message: empty response")
	}

	sent := result.Data[0]
	if !sent.IsSent {
		reason := "unknown"
		if sent.DropReason != nil {
			reason = sent.DropReason.Code + ": " + sent.DropReason.Message
		}
		return drop.MessageHandle{}, fmt.Errorf("chat message dropped (%s)", reason)
	}
	return drop.MessageHandle{ChannelID: channelID, MessageID: sent.MessageID}, nil
}

// DeleteMessage removes a chat message. The bot must moderate the channel.
func (c *Client) DeleteMessage(ctx context.Context, h drop.MessageHandle) error {
	q := url.Values{
		"broadcaster_id": {h.ChannelID},
		"moderator_id":   {c.botUserID},
		"message_id":     {h.MessageID},
	}
	if err := c.do(ctx, "DELETE", "/moderation/chat", q, nil, nil); err != nil {
		return fmt.Errorf("failed to delete chat message %s: %w", h.MessageID, err)
	}
	return nil
}
