package reward

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type grant struct {
	channelID, userID, role string
}

type fakeGranter struct {
	mu     sync.Mutex
	grants []grant
	err    error
}

func (f *fakeGranter) GrantRole(_ context.Context, channelID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grant{channelID, userID, role})
	return f.err
}

func TestOnCredit_GrantsOnlyAtThreshold(t *testing.T) {
	granter := &fakeGranter{}
	n := NewNotifier(map[int64]string{10: "roleX"}, granter)

	n.OnCredit(context.Background(), "chan", "u1", 9)
	n.OnCredit(context.Background(), "chan", "u1", 10)
	n.OnCredit(context.Background(), "chan", "u1", 11)

	require.Equal(t, []grant{{"chan", "u1", "roleX"}}, granter.grants)
}

func TestOnCredit_GrantFailureIsSwallowed(t *testing.T) {
	granter := &fakeGranter{err: errors.New("403 forbidden")}
	n := NewNotifier(map[int64]string{1: "vip"}, granter)

	require.NotPanics(t, func() {
		n.OnCredit(context.Background(), "chan", "u1", 1)
	})
	require.Len(t, granter.grants, 1, "grant must be attempted exactly once, never retried")
}

func TestOnCredit_NilGranter(t *testing.T) {
	n := NewNotifier(map[int64]string{1: "vip"}, nil)
	n.OnCredit(context.Background(), "chan", "u1", 1)
}
