package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/metrics"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
)

// Outcome is the result of a Stake transaction.
type Outcome int

const (
	// Declined means the staker had no coin to put down; nothing changed.
	Declined Outcome = iota
	// Committed means the stake was claimed and moved to the claimer.
	Committed
	// RolledBack means nobody claimed the stake and the debit was undone.
	RolledBack
)

func (o Outcome) String() string {
	switch o {
	case Declined:
		return "declined"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Claim identifies who took a stake.
type Claim struct {
	UserID string
	At     time.Time
}

// HoldFunc runs while the staker's debit is pending inside the transaction.
// It returns the claim, or nil when the stake expired unclaimed.
type HoldFunc func(ctx context.Context) *Claim

// StakeResult describes a finished Stake.
type StakeResult struct {
	Outcome        Outcome
	StakerBalance  int64
	Claim          *Claim
	ClaimerBalance int64
}

// Stake debits one coin from userID and keeps the transaction open while hold
// runs. A claim credits the claimer in the same transaction and commits; no
// claim rolls the transaction back, restoring the staker's exact balance.
// On SQLite the open transaction holds the database write lock until hold
// returns; request-driven writes meanwhile fail with ErrUnavailable and
// background credits keep retrying.
func (l *Ledger) Stake(ctx context.Context, userID string, hold HoldFunc) (StakeResult, error) {
	if err := l.requireReady(); err != nil {
		return StakeResult{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("stake").Inc()
		return StakeResult{}, fmt.Errorf("failed to begin stake for %s: %w", userID, err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, balance, err := debitIfPositive(ctx, tx, userID)
	if err != nil {
		metrics.LedgerErrors.WithLabelValues("stake").Inc()
		return StakeResult{}, fmt.Errorf("failed to debit stake for %s: %w", userID, err)
	}
	if !ok {
		return StakeResult{Outcome: Declined, StakerBalance: balance}, nil
	}

	claim := hold(ctx)
	if claim == nil {
		if err := tx.Rollback(); err != nil {
			return StakeResult{}, fmt.Errorf("failed to roll back stake for %s: %w", userID, err)
		}
		logger.Info("Stake rolled back", zap.String("user_id", userID))
		return StakeResult{Outcome: RolledBack, StakerBalance: balance + 1}, nil
	}

	var claimerBalance int64
	if err := tx.QueryRowContext(ctx, creditSQL, claim.UserID, claim.At.UTC()).Scan(&claimerBalance); err != nil {
		metrics.LedgerErrors.WithLabelValues("stake").Inc()
		return StakeResult{}, fmt.Errorf("failed to credit stake claimer %s: %w", claim.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		metrics.LedgerErrors.WithLabelValues("stake").Inc()
		return StakeResult{}, fmt.Errorf("failed to commit stake for %s: %w", userID, err)
	}

	metrics.Credits.Inc()
	logger.Info("Stake committed",
		zap.String("user_id", userID),
		zap.String("claimer_id", claim.UserID),
		zap.Int64("claimer_balance", claimerBalance))

	return StakeResult{
		Outcome:        Committed,
		StakerBalance:  balance,
		Claim:          claim,
		ClaimerBalance: claimerBalance,
	}, nil
}
