package drop

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout is returned by WaitFor when no event matched in time.
var ErrWaitTimeout = errors.New("drop: wait timed out")

// waiter is a one-shot subscription evaluated by the engine loop against
// every dispatched event.
type waiter struct {
	match    func(Event) bool
	deadline time.Time
	result   chan Event
}

// WaitFor blocks until an event for which match returns true is dispatched,
// timeout elapses or ctx is done. Only events dispatched after WaitFor
// registers are considered.
func (e *Engine) WaitFor(ctx context.Context, match func(Event) bool, timeout time.Duration) (Event, error) {
	w := &waiter{
		match:    match,
		deadline: e.now().Add(timeout),
		result:   make(chan Event, 1),
	}
	if err := e.call(ctx, func() { e.waiters = append(e.waiters, w) }); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case ev := <-w.result:
		return ev, nil
	case <-timer.C:
		waitErr = ErrWaitTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-e.done:
		return Event{}, ErrEngineStopped
	}

	// loop側で配信済みの可能性があるので、削除後にもう一度確認する
	_ = e.call(context.Background(), func() { e.removeWaiter(w) })
	select {
	case ev := <-w.result:
		return ev, nil
	default:
		return Event{}, waitErr
	}
}

func (e *Engine) removeWaiter(w *waiter) {
	for i, other := range e.waiters {
		if other == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// deliverWaiters hands ev to every matching waiter and drops expired ones.
// Runs on the loop.
func (e *Engine) deliverWaiters(ev Event, now time.Time) {
	if len(e.waiters) == 0 {
		return
	}
	kept := e.waiters[:0]
	for _, w := range e.waiters {
		if now.After(w.deadline) {
			continue
		}
		if w.match(ev) {
			w.result <- ev
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(e.waiters); i++ {
		e.waiters[i] = nil
	}
	e.waiters = kept
}
