// Package ledger stores per-user coin balances. Every mutation is a store
// transaction, so concurrent credits for the same user never lose an update.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ichi0g0y/twitch-coindrop/internal/localdb"
	"github.com/ichi0g0y/twitch-coindrop/internal/metrics"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
)

// ErrUnavailable is returned by request-driven operations while the store is
// not connected or does not answer within requestTimeout.
var ErrUnavailable = errors.New("ledger: store unavailable")

// Balance is one currency_users row.
type Balance struct {
	UserID     string    `json:"user_id"`
	Coins      int64     `json:"coins"`
	LastPicked time.Time `json:"last_picked"`
}

type Ledger struct {
	db   *sql.DB
	gate *localdb.Gate

	mu       sync.Mutex
	seq      uint64
	inflight map[uint64]chan struct{}

	newBackOff     func() backoff.BackOff
	requestTimeout time.Duration
}

// requestTimeout bounds how long a request-driven call waits on pending
// credits or a busy store before it reports ErrUnavailable.
const requestTimeout = 3 * time.Second

func New(db *sql.DB, gate *localdb.Gate) *Ledger {
	return &Ledger{
		db:       db,
		gate:     gate,
		inflight: make(map[uint64]chan struct{}),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		requestTimeout: requestTimeout,
	}
}

// Ready reports whether the store is connected.
func (l *Ledger) Ready() bool {
	return l.gate.IsOpen()
}

// WaitReady blocks until the store is connected or ctx is done.
func (l *Ledger) WaitReady(ctx context.Context) error {
	return l.gate.Wait(ctx)
}

func (l *Ledger) requireReady() error {
	if !l.gate.IsOpen() {
		return ErrUnavailable
	}
	return nil
}

// request bounds ctx for a call made on behalf of a human request.
func (l *Ledger) request(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.requestTimeout)
}

// stalled reports whether err came from the request deadline or store
// contention rather than from the caller giving up.
func stalled(ctx, rctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return rctx.Err() != nil || localdb.IsBusy(err)
}

// Track registers a pending credit. Reads that start after Track returns wait
// until the returned release func is called.
func (l *Ledger) Track() (release func()) {
	l.mu.Lock()
	l.seq++
	id := l.seq
	done := make(chan struct{})
	l.inflight[id] = done
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.inflight, id)
			l.mu.Unlock()
			close(done)
		})
	}
}

// Flush waits for every pending credit to finish or ctx to end.
func (l *Ledger) Flush(ctx context.Context) error {
	return l.awaitInflight(ctx)
}

// awaitInflight waits for every credit tracked before the call.
func (l *Ledger) awaitInflight(ctx context.Context) error {
	l.mu.Lock()
	pending := make([]chan struct{}, 0, len(l.inflight))
	for _, ch := range l.inflight {
		pending = append(pending, ch)
	}
	l.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

const creditSQL = `
	INSERT INTO currency_users (user_id, coins, last_picked)
	VALUES ($1, 1, $2)
	ON CONFLICT (user_id) DO UPDATE
	SET coins = currency_users.coins + 1, last_picked = excluded.last_picked
	RETURNING coins`

// Credit adds one coin to userID, creating the row when needed, and returns
// the new balance. It waits for the store to become ready.
func (l *Ledger) Credit(ctx context.Context, userID string, at time.Time) (int64, error) {
	if err := l.gate.Wait(ctx); err != nil {
		return 0, err
	}

	var coins int64
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, creditSQL, userID, at.UTC()).Scan(&coins)
	})
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("credit").Inc()
		return 0, fmt.Errorf("failed to credit %s: %w", userID, err)
	}

	metrics.Credits.Inc()
	return coins, nil
}

// CreditAsync credits userID in the background, waiting for the store and
// retrying until it succeeds. The credit is tracked before CreditAsync
// returns, so a later Read observes it. done may be nil.
func (l *Ledger) CreditAsync(userID string, at time.Time, done func(balance int64)) {
	release := l.Track()

	go func() {
		defer release()

		ctx := context.Background()
		var balance int64
		op := func() error {
			coins, err := l.Credit(ctx, userID, at)
			if err != nil {
				logger.Warn("Credit failed, retrying", zap.String("user_id", userID), zap.Error(err))
				return err
			}
			balance = coins
			return nil
		}
		if err := backoff.Retry(op, l.newBackOff()); err != nil {
			logger.Error("Credit abandoned", zap.String("user_id", userID), zap.Error(err))
			return
		}

		logger.Debug("Credited coin", zap.String("user_id", userID), zap.Int64("balance", balance))
		if done != nil {
			done(balance)
		}
	}()
}

// DebitIfPositive removes one coin when the balance is above zero. ok is false
// (and the row untouched) otherwise.
func (l *Ledger) DebitIfPositive(ctx context.Context, userID string) (ok bool, balance int64, err error) {
	if err := l.requireReady(); err != nil {
		return false, 0, err
	}

	err = l.withTx(ctx, func(tx *sql.Tx) error {
		ok, balance, err = debitIfPositive(ctx, tx, userID)
		return err
	})
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("debit").Inc()
		return false, 0, fmt.Errorf("failed to debit %s: %w", userID, err)
	}
	return ok, balance, nil
}

func debitIfPositive(ctx context.Context, tx *sql.Tx, userID string) (bool, int64, error) {
	var coins int64
	err := tx.QueryRowContext(ctx,
		`UPDATE currency_users SET coins = coins - 1 WHERE user_id = $1 AND coins > 0 RETURNING coins`,
		userID,
	).Scan(&coins)
	if err == nil {
		return true, coins, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, err
	}

	// 残高0または未登録
	err = tx.QueryRowContext(ctx, `SELECT coins FROM currency_users WHERE user_id = $1`, userID).Scan(&coins)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	return false, coins, err
}

// Read returns the balance of userID, or nil when the user has no row.
func (l *Ledger) Read(ctx context.Context, userID string) (*Balance, error) {
	if err := l.requireReady(); err != nil {
		return nil, err
	}
	rctx, cancel := l.request(ctx)
	defer cancel()
	if err := l.awaitInflight(rctx); err != nil {
		if stalled(ctx, rctx, err) {
			return nil, ErrUnavailable
		}
		return nil, err
	}

	var (
		b          = Balance{UserID: userID}
		lastPicked sql.NullTime
	)
	err := l.db.QueryRowContext(rctx,
		`SELECT coins, last_picked FROM currency_users WHERE user_id = $1`, userID,
	).Scan(&b.Coins, &lastPicked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if stalled(ctx, rctx, err) {
		return nil, ErrUnavailable
	}
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("failed to read balance of %s: %w", userID, err)
	}
	if lastPicked.Valid {
		b.LastPicked = lastPicked.Time
	}
	return &b, nil
}

// TopN lists the n richest users, highest balance first.
func (l *Ledger) TopN(ctx context.Context, n int) ([]Balance, error) {
	if err := l.requireReady(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Balance{}, nil
	}
	rctx, cancel := l.request(ctx)
	defer cancel()
	if err := l.awaitInflight(rctx); err != nil {
		if stalled(ctx, rctx, err) {
			return nil, ErrUnavailable
		}
		return nil, err
	}

	rows, err := l.db.QueryContext(rctx,
		`SELECT user_id, coins, last_picked FROM currency_users ORDER BY coins DESC LIMIT $1`, n)
	if stalled(ctx, rctx, err) {
		return nil, ErrUnavailable
	}
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("top").Inc()
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	balances := make([]Balance, 0, n)
	for rows.Next() {
		var (
			b          Balance
			lastPicked sql.NullTime
		)
		if err := rows.Scan(&b.UserID, &b.Coins, &lastPicked); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if lastPicked.Valid {
			b.LastPicked = lastPicked.Time
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		if stalled(ctx, rctx, err) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("failed to iterate balances: %w", err)
	}
	return balances, nil
}

// Delete removes the row of userID. It reports whether a row existed.
// While a placed coin holds the store's write lock it fails with
// ErrUnavailable instead of waiting for the drop to resolve.
func (l *Ledger) Delete(ctx context.Context, userID string) (bool, error) {
	if err := l.requireReady(); err != nil {
		return false, err
	}
	rctx, cancel := l.request(ctx)
	defer cancel()
	if err := l.awaitInflight(rctx); err != nil {
		if stalled(ctx, rctx, err) {
			return false, ErrUnavailable
		}
		return false, err
	}

	var affected int64
	err := l.withTx(rctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(rctx, `DELETE FROM currency_users WHERE user_id = $1`, userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if stalled(ctx, rctx, err) {
		logger.Warn("Delete gave up on a busy store", zap.String("user_id", userID), zap.Error(err))
		return false, ErrUnavailable
	}
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("failed to delete %s: %w", userID, err)
	}

	logger.Info("Deleted currency user", zap.String("user_id", userID), zap.Int64("rows_affected", affected))
	return affected > 0, nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
