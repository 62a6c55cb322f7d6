package twitchapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// GrantRole gives userID a channel role. Supported roles are "vip" and
// "moderator".
func (c *Client) GrantRole(ctx context.Context, channelID, userID, role string) error {
	var path string
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "vip":
		path = "/channels/vips"
	case "moderator", "mod":
		path = "/moderation/moderators"
	default:
		return fmt.Errorf("unsupported reward role %q", role)
	}

	q := url.Values{
		"broadcaster_id": {channelID},
		"user_id":        {userID},
	}
	if err := c.do(ctx, "POST", path, q, nil, nil); err != nil {
		return fmt.Errorf("failed to grant %s to %s: %w", role, userID, err)
	}
	return nil
}
