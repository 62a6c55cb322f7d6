package drop

import (
	"context"

	"github.com/ichi0g0y/twitch-coindrop/internal/ledger"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	"go.uber.org/zap"
)

// Place lets authorID put one of their own coins down in channelID. The coin
// stays debited inside an open ledger transaction until another user claims
// it (the transaction commits with the claimer's credit) or the drop expires
// (the transaction rolls back). Place returns once the drop is armed.
func (e *Engine) Place(ctx context.Context, authorID, authorName, channelID string) error {
	if !e.cfg.IsDropChannel(channelID) {
		return ErrNotDropChannel
	}
	if !e.store.Ready() {
		return ledger.ErrUnavailable
	}

	var reserved bool
	if err := e.call(ctx, func() { reserved = e.lock.TryAcquire() }); err != nil {
		return err
	}
	if !reserved {
		return ErrLocked
	}

	armed := make(chan struct{})
	failed := make(chan error, 1)
	go e.runStake(authorID, authorName, channelID, armed, failed)

	select {
	case <-armed:
		return nil
	case err := <-failed:
		return err
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitStakeClaim waits for the loop's verdict on a placed drop. A claim the
// loop handed over before it stopped still wins.
func (e *Engine) awaitStakeClaim(claims <-chan stakeClaim) stakeClaim {
	select {
	case c := <-claims:
		return c
	case <-e.done:
	}
	select {
	case c := <-claims:
		return c
	default:
		return stakeClaim{}
	}
}

func (e *Engine) runStake(authorID, authorName, channelID string, armed chan<- struct{}, failed chan<- error) {
	var (
		held    bool
		claimed *ledger.Claim
		release func()
	)

	hold := func(ctx context.Context) *ledger.Claim {
		held = true
		claims := make(chan stakeClaim, 1)
		ok := e.post(func() {
			if _, err := e.arm(channelID, TriggerPlaced, authorID, authorName, claims); err != nil {
				e.lock.Release()
				claims <- stakeClaim{}
				failed <- err
				return
			}
			close(armed)
		})
		if !ok {
			return nil
		}

		c := e.awaitStakeClaim(claims)
		claimed, release = c.claim, c.release
		return c.claim
	}

	result, err := e.store.Stake(context.Background(), authorID, hold)
	if release != nil {
		defer release()
	}

	if !held {
		// 予約したロックを返す
		e.post(func() { e.lock.Release() })
		if err == nil {
			err = ErrInsufficientFunds
		}
		failed <- err
		return
	}

	if err != nil {
		logger.Error("Placed drop stake failed", zap.String("user_id", authorID), zap.Error(err))
		if claimed != nil {
			e.credit(channelID, claimed.UserID, claimed.At)
		}
		return
	}

	switch result.Outcome {
	case ledger.Committed:
		logger.Info("Placed coin transferred",
			zap.String("from", authorID),
			zap.String("to", result.Claim.UserID),
			zap.Int64("balance", result.ClaimerBalance))
		if e.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
			defer cancel()
			e.notifier.OnCredit(ctx, channelID, result.Claim.UserID, result.ClaimerBalance)
		}
	case ledger.RolledBack:
		logger.Info("Placed coin returned", zap.String("user_id", authorID), zap.Int64("balance", result.StakerBalance))
	}
}
