package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const userCacheTTL = 30 * time.Minute

var ErrUserNotFound = errors.New("twitchapi: user not found")

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

type userCacheEntry struct {
	user     *User
	notFound bool
	cachedAt time.Time
}

// userCache keeps lookups keyed by "id:<id>" and "login:<login>".
type userCache struct {
	mu      sync.RWMutex
	entries map[string]userCacheEntry
}

func newUserCache() *userCache {
	return &userCache{entries: map[string]userCacheEntry{}}
}

func (uc *userCache) get(key string, now time.Time) (userCacheEntry, bool) {
	uc.mu.RLock()
	entry, ok := uc.entries[key]
	uc.mu.RUnlock()
	if !ok || now.Sub(entry.cachedAt) >= userCacheTTL {
		return userCacheEntry{}, false
	}
	return entry, true
}

func (uc *userCache) putUser(u User, now time.Time) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	cloned := u
	uc.entries["id:"+u.ID] = userCacheEntry{user: &cloned, cachedAt: now}
	uc.entries["login:"+strings.ToLower(u.Login)] = userCacheEntry{user: &cloned, cachedAt: now}
}

func (uc *userCache) putMissing(key string, now time.Time) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.entries[key] = userCacheEntry{notFound: true, cachedAt: now}
}

// GetUsers fetches up to 100 users by id and/or login.
func (c *Client) GetUsers(ctx context.Context, ids, logins []string) ([]User, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	for _, login := range logins {
		q.Add("login", login)
	}
	if len(q["id"])+len(q["login"]) > 100 {
		return nil, fmt.Errorf("too many users requested: %d", len(q["id"])+len(q["login"]))
	}

	var result struct {
		Data []User `json:"data"`
	}
	if err := c.do(ctx, "GET", "/users", q, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return result.Data, nil
}

// ResolveLogin maps a login (with or without a leading @) to a user id and
// display name. Results are cached for 30 minutes.
func (c *Client) ResolveLogin(ctx context.Context, login string) (string, string, error) {
	login = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
	if login == "" {
		return "", "", ErrUserNotFound
	}

	key := "login:" + login
	now := time.Now()
	if entry, ok := c.users.get(key, now); ok {
		if entry.notFound {
			return "", "", ErrUserNotFound
		}
		return entry.user.ID, entry.user.DisplayName, nil
	}

	users, err := c.GetUsers(ctx, nil, []string{login})
	if err != nil {
		return "", "", err
	}
	if len(users) == 0 {
		c.users.putMissing(key, now)
		return "", "", ErrUserNotFound
	}
	c.users.putUser(users[0], now)
	return users[0].ID, users[0].DisplayName, nil
}

// DisplayNames returns display names for userIDs. Unknown ids are absent
// from the result.
func (c *Client) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	now := time.Now()
	names := make(map[string]string, len(userIDs))
	var missing []string
	for _, id := range userIDs {
		entry, ok := c.users.get("id:"+id, now)
		switch {
		case !ok:
			missing = append(missing, id)
		case !entry.notFound:
			names[id] = entry.user.DisplayName
		}
	}

	for start := 0; start < len(missing); start += 100 {
		end := min(start+100, len(missing))
		users, err := c.GetUsers(ctx, missing[start:end], nil)
		if err != nil {
			return names, err
		}
		found := make(map[string]bool, len(users))
		for _, u := range users {
			c.users.putUser(u, now)
			names[u.ID] = u.DisplayName
			found[u.ID] = true
		}
		for _, id := range missing[start:end] {
			if !found[id] {
				c.users.putMissing("id:"+id, now)
			}
		}
	}
	return names, nil
}
