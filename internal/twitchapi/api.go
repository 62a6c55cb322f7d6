// Package twitchapi is a small Helix client covering what the bot does in
// chat: post and delete messages, grant VIP/moderator, and look up users.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const helixURL = "https://api.twitch.tv/helix"

// TokenSource supplies the bot's user access token.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context, stale string) (string, error)
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch API returned status %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL    string
	clientID   string
	botUserID  string
	tokens     TokenSource
	httpClient *http.Client

	// Twitch allows 20 chat messages per 30 seconds for a regular sender.
	chatLimiter *rate.Limiter

	users *userCache
}

func NewClient(clientID, botUserID string, tokens TokenSource) *Client {
	return &Client{
		baseURL:     helixURL,
		clientID:    clientID,
		botUserID:   botUserID,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		chatLimiter: rate.NewLimiter(rate.Every(1500*time.Millisecond), 20),
		users:       newUserCache(),
	}
}

// BotUserID is the account the client acts as.
func (c *Client) BotUserID() string {
	return c.botUserID
}

// do sends one Helix request. A 401 triggers a single token refresh and
// retry. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	token := c.tokens.AccessToken()
	resp, err := c.send(ctx, method, reqURL, payload, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		logger.Info("Twitch API rejected token, refreshing", zap.String("path", path))
		token, err = c.tokens.Refresh(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to refresh token: %w", err)
		}
		resp, err = c.send(ctx, method, reqURL, payload, token)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		logger.Debug("Twitch API returned error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(bodyBytes)))
		return &APIError{Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, reqURL string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Client-Id", c.clientID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}
