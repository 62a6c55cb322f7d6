package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestResolveLoginCached(t *testing.T) {
	var calls int32
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.URL.Query().Get("login"); got != "alice" {
			t.Errorf("unexpected login: %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"7","login":"alice","display_name":"Alice"}]}`))
	})

	for i := 0; i < 2; i++ {
		id, name, err := c.ResolveLogin(context.Background(), "@Alice")
		if err != nil {
			t.Fatalf("ResolveLogin failed: %v", err)
		}
		if id != "7" || name != "Alice" {
			t.Fatalf("unexpected user: id=%q name=%q", id, name)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("unexpected fetch count: got=%d want=1", calls)
	}

	// idのキャッシュも埋まっている
	names, err := c.DisplayNames(context.Background(), []string{"7"})
	if err != nil {
		t.Fatalf("DisplayNames failed: %v", err)
	}
	if names["7"] != "Alice" || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("DisplayNames did not use cache: names=%v calls=%d", names, calls)
	}
}

func TestResolveLoginNotFound(t *testing.T) {
	var calls int32
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	for i := 0; i < 2; i++ {
		if _, _, err := c.ResolveLogin(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
			t.Fatalf("unexpected error: got=%v want ErrUserNotFound", err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("not-found result was not cached: calls=%d", calls)
	}
}

func TestDisplayNamesPartial(t *testing.T) {
	c := newTestClient(t, &staticTokens{token: "tok"}, func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["id"]
		if len(ids) != 2 {
			t.Errorf("unexpected ids: %v", ids)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"1","login":"one","display_name":"One"}]}`))
	})

	names, err := c.DisplayNames(context.Background(), []string{"1", "2"})
	if err != nil {
		t.Fatalf("DisplayNames failed: %v", err)
	}
	if len(names) != 1 || names["1"] != "One" {
		t.Fatalf("unexpected names: %v", names)
	}
}
