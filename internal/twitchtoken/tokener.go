// Package twitchtoken keeps the bot's user access token fresh.
package twitchtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
)

// Scopes the bot token needs: chat read/write, message deletion, VIP and
// moderator management.
var Scopes = []string{
	"user:read:chat",
	"user:write:chat",
	"user:bot",
	"moderator:manage:chat_messages",
	"channel:manage:vips",
	"channel:manage:moderators",
}

const tokenURL = "https://id.twitch.tv/oauth2/token"

var ErrNoRefreshToken = errors.New("twitchtoken: no refresh token configured")

// Token is an OAuth user token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    int64
}

// Source hands out the current access token and refreshes it on demand.
type Source struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client

	mu    sync.Mutex
	token Token
}

func NewSource(clientID, clientSecret, accessToken, refreshToken string) *Source {
	return &Source{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		token:        Token{AccessToken: accessToken, RefreshToken: refreshToken},
	}
}

// AccessToken returns the current access token.
func (s *Source) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.AccessToken
}

// ExpiresAt is the unix expiry of the current token, or 0 when unknown (a
// token supplied by the environment that has not been refreshed yet).
func (s *Source) ExpiresAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.ExpiresAt
}

// Refresh exchanges the refresh token for a new access token. stale is the
// token the caller saw rejected; if another caller already replaced it the
// refresh is skipped.
func (s *Source) Refresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.AccessToken != stale {
		return s.token.AccessToken, nil
	}
	if s.token.RefreshToken == "" || s.clientSecret == "" {
		return "", ErrNoRefreshToken
	}

	form := url.Values{
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"refresh_token": {s.token.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		Scope        []string `json:"scope"`
		ExpiresIn    int64    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w, body: %s", err, string(body))
	}
	if result.AccessToken == "" {
		return "", errors.New("access_token not found in response")
	}

	s.token.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		s.token.RefreshToken = result.RefreshToken
	}
	s.token.Scope = strings.Join(result.Scope, " ")
	s.token.ExpiresAt = time.Now().Unix() + result.ExpiresIn

	logger.Info("Twitch token refreshed", zap.Time("expires_at", time.Unix(s.token.ExpiresAt, 0)))
	return s.token.AccessToken, nil
}
