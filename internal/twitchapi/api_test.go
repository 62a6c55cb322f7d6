package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ichi0g0y/twitch-coindrop/internal/drop"
)

type staticTokens struct {
	token     string
	refreshed string
	refreshes int32
}

func (s *staticTokens) AccessToken() string { return s.token }

func (s *staticTokens) Refresh(_ context.Context, stale string) (string, error) {
	atomic.AddInt32(&s.refreshes, 1)
	if s.refreshed == "" {
		return "", errors.New("no refresh")
	}
	s.token = s.refreshed
	return s.token, nil
}

func newTestClient(t *testing.T, tokens *staticTokens, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("client-id", "bot", tokens)
	c.baseURL = srv.URL
	return c
}

func TestPostMessage(t *testing.T) {
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected Authorization: %q", got)
		}
		if got := r.Header.Get("Client-Id"); got != "client-id" {
			t.Errorf("unexpected Client-Id: %q", got)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["broadcaster_id"] != "100" || body["sender_id"] != "bot" || body["message"] != "hello" {
			t.Errorf("unexpected body: %v", body)
		}
		_, _ = w.Write([]byte(`{"data":[{"message_id":"m-1","is_sent":true}]}`))
	})

	h, err := c.PostMessage(context.Background(), "100", "hello")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if h != (drop.MessageHandle{ChannelID: "100", MessageID: "m-1"}) {
		t.Fatalf("unexpected handle: %+v", h)
	}
}

func TestPostMessageDropped(t *testing.T) {
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"message_id":"","is_sent":false,"drop_reason":{"code":"msg_duplicate","message":"duplicate"}}]}`))
	})

	if _, err := c.PostMessage(context.Background(), "100", "hello"); err == nil {
		t.Fatalf("PostMessage succeeded for a dropped message")
	}
}

func TestDeleteMessage(t *testing.T) {
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodDelete || r.URL.Path != "/moderation/chat" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if q.Get("broadcaster_id") != "100" || q.Get("moderator_id") != "bot" || q.Get("message_id") != "m-1" {
			t.Errorf("unexpected query: %v", q)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.DeleteMessage(context.Background(), drop.MessageHandle{ChannelID: "100", MessageID: "m-1"}); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
}

func TestGrantRole(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Query().Get("user_id") != "42" {
			t.Errorf("unexpected user_id: %q", r.URL.Query().Get("user_id"))
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.GrantRole(context.Background(), "100", "42", "vip"); err != nil {
		t.Fatalf("GrantRole(vip) failed: %v", err)
	}
	if err := c.GrantRole(context.Background(), "100", "42", "Moderator"); err != nil {
		t.Fatalf("GrantRole(moderator) failed: %v", err)
	}
	if err := c.GrantRole(context.Background(), "100", "42", "editor"); err == nil {
		t.Fatalf("GrantRole accepted unsupported role")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || paths[0] != "/channels/vips" || paths[1] != "/moderation/moderators" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestGrantRoleAPIError(t *testing.T) {
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"user is banned"}`, http.StatusUnprocessableEntity)
	})

	err := c.GrantRole(context.Background(), "100", "42", "vip")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	tokens := &staticTokens{token: "old", refreshed: "new"}
	c := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.GrantRole(context.Background(), "100", "42", "vip"); err != nil {
		t.Fatalf("GrantRole failed after refresh: %v", err)
	}
	if atomic.LoadInt32(&tokens.refreshes) != 1 {
		t.Fatalf("unexpected refresh count: got=%d want=1", tokens.refreshes)
	}
}
