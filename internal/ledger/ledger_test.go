package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/localdb"
)

func setupLedger(t *testing.T) (*Ledger, *localdb.Gate) {
	t.Helper()
	return openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
}

func openLedger(t *testing.T, dsn string) (*Ledger, *localdb.Gate) {
	t.Helper()

	db, err := localdb.Open(localdb.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := localdb.SetupSchema(context.Background(), db); err != nil {
		t.Fatalf("SetupSchema failed: %v", err)
	}

	gate := localdb.NewGate()
	gate.Open()
	return New(db, gate), gate
}

func mustCredit(t *testing.T, l *Ledger, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Credit(context.Background(), userID, time.Now()); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}
}

func mustCoins(t *testing.T, l *Ledger, userID string) int64 {
	t.Helper()
	b, err := l.Read(context.Background(), userID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b == nil {
		return 0
	}
	return b.Coins
}

func TestCreditCreatesRowAndIncrements(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	b, err := l.Read(ctx, "alice")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b != nil {
		t.Fatalf("expected no row before first credit, got %+v", b)
	}

	at := time.Now()
	coins, err := l.Credit(ctx, "alice", at)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if coins != 1 {
		t.Fatalf("unexpected balance after first credit: got=%d want=1", coins)
	}
	coins, err = l.Credit(ctx, "alice", at.Add(time.Second))
	if err != nil {
		t.Fatalf("second Credit failed: %v", err)
	}
	if coins != 2 {
		t.Fatalf("unexpected balance after second credit: got=%d want=2", coins)
	}

	b, err = l.Read(ctx, "alice")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b == nil || b.Coins != 2 {
		t.Fatalf("unexpected balance row: %+v", b)
	}
	if d := b.LastPicked.Sub(at.Add(time.Second)); d > time.Millisecond || d < -time.Millisecond {
		t.Fatalf("unexpected last_picked: got=%v want=%v", b.LastPicked, at.Add(time.Second))
	}
}

func TestCreditStorm(t *testing.T) {
	l, _ := setupLedger(t)

	const credits = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		balances = make(map[int64]bool)
	)
	for i := 0; i < credits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coins, err := l.Credit(context.Background(), "storm", time.Now())
			if err != nil {
				t.Errorf("Credit failed: %v", err)
				return
			}
			mu.Lock()
			balances[coins] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := mustCoins(t, l, "storm"); got != credits {
		t.Fatalf("unexpected balance after storm: got=%d want=%d", got, credits)
	}
	if len(balances) != credits {
		t.Fatalf("credits returned duplicate balances: %d distinct of %d", len(balances), credits)
	}
}

func TestCreditAsyncVisibleToRead(t *testing.T) {
	l, _ := setupLedger(t)

	for i := 0; i < 10; i++ {
		l.CreditAsync("bob", time.Now(), nil)
	}
	if got := mustCoins(t, l, "bob"); got != 10 {
		t.Fatalf("Read missed in-flight credits: got=%d want=10", got)
	}
}

func TestCreditAsyncWaitsForStore(t *testing.T) {
	l, gate := setupLedger(t)
	gate.Close()

	done := make(chan int64, 1)
	l.CreditAsync("carol", time.Now(), func(balance int64) { done <- balance })

	select {
	case <-done:
		t.Fatalf("credit completed while store was unavailable")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Open()
	select {
	case balance := <-done:
		if balance != 1 {
			t.Fatalf("unexpected balance: got=%d want=1", balance)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("credit did not complete after store became ready")
	}
}

func TestDebitIfPositive(t *testing.T) {
	l, _ := setupLedger(t)
	ctx := context.Background()

	ok, balance, err := l.DebitIfPositive(ctx, "nobody")
	if err != nil {
		t.Fatalf("DebitIfPositive failed: %v", err)
	}
	if ok || balance != 0 {
		t.Fatalf("debit of missing user: ok=%v balance=%d", ok, balance)
	}

	mustCredit(t, l, "dave", 1)
	ok, balance, err = l.DebitIfPositive(ctx, "dave")
	if err != nil {
		t.Fatalf("DebitIfPositive failed: %v", err)
	}
	if !ok || balance != 0 {
		t.Fatalf("first debit: ok=%v balance=%d", ok, balance)
	}

	ok, balance, err = l.DebitIfPositive(ctx, "dave")
	if err != nil {
		t.Fatalf("DebitIfPositive failed: %v", err)
	}
	if ok || balance != 0 {
		t.Fatalf("debit on zero balance: ok=%v balance=%d", ok, balance)
	}
	if got := mustCoins(t, l, "dave"); got != 0 {
		t.Fatalf("balance changed by failed debit: got=%d", got)
	}
}

func TestTopNOrder(t *testing.T) {
	l, _ := setupLedger(t)
	mustCredit(t, l, "low", 1)
	mustCredit(t, l, "high", 5)
	mustCredit(t, l, "mid", 3)

	top, err := l.TopN(context.Background(), 2)
	if err != nil {
		t.Fatalf("TopN failed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("unexpected entries: got=%d want=2", len(top))
	}
	if top[0].UserID != "high" || top[0].Coins != 5 {
		t.Fatalf("unexpected first entry: %+v", top[0])
	}
	if top[1].UserID != "mid" || top[1].Coins != 3 {
		t.Fatalf("unexpected second entry: %+v", top[1])
	}

	empty, err := l.TopN(context.Background(), 0)
	if err != nil {
		t.Fatalf("TopN(0) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("TopN(0) returned %d entries", len(empty))
	}
}

func TestDelete(t *testing.T) {
	l, _ := setupLedger(t)
	mustCredit(t, l, "erin", 2)

	removed, err := l.Delete(context.Background(), "erin")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !removed {
		t.Fatalf("Delete reported no row for existing user")
	}
	if b, err := l.Read(context.Background(), "erin"); err != nil || b != nil {
		t.Fatalf("row still present after delete: %+v err=%v", b, err)
	}

	removed, err = l.Delete(context.Background(), "erin")
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if removed {
		t.Fatalf("second Delete reported a row")
	}
}

func TestUnavailableStoreFailsFast(t *testing.T) {
	l, gate := setupLedger(t)
	gate.Close()
	ctx := context.Background()

	if _, err := l.Read(ctx, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Read: got err=%v want ErrUnavailable", err)
	}
	if _, err := l.TopN(ctx, 8); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("TopN: got err=%v want ErrUnavailable", err)
	}
	if _, err := l.Delete(ctx, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Delete: got err=%v want ErrUnavailable", err)
	}
	if _, _, err := l.DebitIfPositive(ctx, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("DebitIfPositive: got err=%v want ErrUnavailable", err)
	}
	if _, err := l.Stake(ctx, "x", func(context.Context) *Claim { return nil }); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Stake: got err=%v want ErrUnavailable", err)
	}
	if l.Ready() {
		t.Fatalf("Ready() = true with closed gate")
	}

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Credit(timeout, "x", time.Now()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Credit: got err=%v want deadline exceeded", err)
	}
}
