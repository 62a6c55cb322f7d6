// Package drop runs the coin drop game: the spawn scheduler, the session
// state machine and the claim resolver. All session state is owned by a
// single loop goroutine (Engine.Run); everything else talks to it through
// its inbox.
package drop

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/ledger"
	"github.com/ichi0g0y/twitch-coindrop/internal/metrics"
	"github.com/ichi0g0y/twitch-coindrop/internal/settings"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

var (
	ErrLocked            = errors.New("drop: a drop is already active")
	ErrNotDropChannel    = errors.New("drop: channel is not a drop channel")
	ErrEngineStopped     = errors.New("drop: engine stopped")
	ErrInsufficientFunds = errors.New("drop: no coin to place")
)

const (
	ioTimeout      = 10 * time.Second
	inboxSize      = 256
	sessionIDChars = "0123456789abcdef"
)

var (
	randIntN     = rand.IntN
	newSessionID = func() (string, error) { return gonanoid.Generate(sessionIDChars, 16) }
)

// Messenger posts and deletes chat messages.
type Messenger interface {
	PostMessage(ctx context.Context, channelID, text string) (MessageHandle, error)
	DeleteMessage(ctx context.Context, h MessageHandle) error
}

// Store is the part of the ledger the engine needs.
type Store interface {
	Ready() bool
	Track() (release func())
	CreditAsync(userID string, at time.Time, done func(balance int64))
	Stake(ctx context.Context, userID string, hold ledger.HoldFunc) (ledger.StakeResult, error)
}

// CreditNotifier is told about every committed credit.
type CreditNotifier interface {
	OnCredit(ctx context.Context, channelID, userID string, balance int64)
}

// Update is a drop lifecycle notification for observers such as the overlay.
type Update struct {
	Kind       string    `json:"kind"` // armed, claimed, bonus, resolved, expired
	SessionID  string    `json:"session_id"`
	ChannelID  string    `json:"channel_id"`
	Trigger    Trigger   `json:"trigger"`
	Token      string    `json:"token,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	BonusCount int       `json:"bonus_count"`
	At         time.Time `json:"at"`
}

// stakeClaim is handed from the loop to a placed drop's stake transaction.
// A nil claim means the drop expired.
type stakeClaim struct {
	claim   *ledger.Claim
	release func()
}

type Engine struct {
	cfg       *settings.EngineConfig
	store     Store
	messenger Messenger
	notifier  CreditNotifier
	scheduler *Scheduler
	lock      Lock
	now       func() time.Time
	ackDelay  time.Duration

	inbox    chan func()
	done     chan struct{}
	runOnce  sync.Once
	session  *Session
	waiters  []*waiter
	obsMu    sync.RWMutex
	observer []func(Update)
}

func New(cfg *settings.EngineConfig, store Store, messenger Messenger, notifier CreditNotifier) *Engine {
	now := time.Now()
	return &Engine{
		cfg:       cfg,
		store:     store,
		messenger: messenger,
		notifier:  notifier,
		scheduler: NewScheduler(cfg, now),
		now:       time.Now,
		ackDelay:  time.Second,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
	}
}

// Run processes events, timer firings and requests in arrival order until
// ctx is done. It must be called once.
func (e *Engine) Run(ctx context.Context) {
	e.runOnce.Do(func() {
		defer close(e.done)
		logger.Info("Drop engine started", zap.Strings("drop_channels", e.cfg.DropChannels))

		for {
			select {
			case fn := <-e.inbox:
				fn()
			case <-ctx.Done():
				if s := e.session; s != nil {
					s.stopTimers()
					metrics.SessionActive.Set(0)
				}
				logger.Info("Drop engine stopped")
				return
			}
		}
	})
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() { fn(); close(finished) }) {
		return ErrEngineStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrEngineStopped
		}
	}
}

// OnUpdate registers an observer. Observers run on the loop and must not block.
func (e *Engine) OnUpdate(fn func(Update)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observer = append(e.observer, fn)
}

func (e *Engine) emit(kind string, s *Session, userID, userName string) {
	u := Update{
		Kind:       kind,
		SessionID:  s.ID,
		ChannelID:  s.ChannelID,
		Trigger:    s.Trigger,
		Token:      s.DisplayToken,
		UserID:     userID,
		UserName:   userName,
		BonusCount: len(s.Bonus),
		At:         time.Now(),
	}
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, fn := range e.observer {
		fn(u)
	}
}

// Dispatch queues an inbound chat event.
func (e *Engine) Dispatch(ev Event) error {
	if !e.post(func() { e.handleEvent(ev) }) {
		return ErrEngineStopped
	}
	return nil
}

// SetDropsEnabled turns natural drops on or off. Forced and placed drops are
// not affected.
func (e *Engine) SetDropsEnabled(enabled bool) {
	e.scheduler.SetEnabled(enabled)
	logger.Info("Natural drops toggled", zap.Bool("enabled", enabled))
}

func (e *Engine) DropsEnabled() bool {
	return e.scheduler.Enabled()
}

// Locked reports whether a drop (or a placed drop reservation) holds the lock.
func (e *Engine) Locked() bool {
	return e.lock.Held()
}

// Current returns the active session as an update, if any.
func (e *Engine) Current(ctx context.Context) (Update, bool, error) {
	var (
		u  Update
		ok bool
	)
	err := e.call(ctx, func() {
		s := e.session
		if s == nil {
			return
		}
		ok = true
		u = Update{
			Kind:       s.State.String(),
			SessionID:  s.ID,
			ChannelID:  s.ChannelID,
			Trigger:    s.Trigger,
			Token:      s.DisplayToken,
			UserID:     s.Winner,
			BonusCount: len(s.Bonus),
			At:         time.Now(),
		}
	})
	return u, ok, err
}

// ForceSpawn arms a drop in channelID immediately.
func (e *Engine) ForceSpawn(ctx context.Context, channelID string) error {
	if !e.cfg.IsDropChannel(channelID) {
		return ErrNotDropChannel
	}
	if !e.store.Ready() {
		return ledger.ErrUnavailable
	}

	var armErr error
	err := e.call(ctx, func() {
		if !e.lock.TryAcquire() {
			armErr = ErrLocked
			return
		}
		if _, err := e.arm(channelID, TriggerForced, "", "", nil); err != nil {
			e.lock.Release()
			armErr = err
		}
	})
	if err != nil {
		return err
	}
	return armErr
}

func (e *Engine) handleEvent(ev Event) {
	now := e.now()
	e.deliverWaiters(ev, now)

	if s := e.session; s != nil {
		switch Resolve(s, ev, now) {
		case Winner:
			e.onWinner(s, ev, now)
		case Bonus:
			e.onBonus(s, ev)
		}
		return
	}

	if !e.scheduler.ShouldSpawn(ev, now, e.lock.Held()) {
		return
	}
	if !e.lock.TryAcquire() {
		return
	}
	if _, err := e.arm(ev.ChannelID, TriggerNatural, "", "", nil); err != nil {
		e.lock.Release()
		logger.Error("Failed to arm natural drop", zap.Error(err))
	}
}

// arm starts a session in channelID. The caller holds the lock.
func (e *Engine) arm(channelID string, trigger Trigger, originator, originatorName string, stake chan<- stakeClaim) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := e.now()
	pick := e.cfg.PickStrings[randIntN(len(e.cfg.PickStrings))]
	flavor := e.cfg.DropStrings[randIntN(len(e.cfg.DropStrings))]

	s := newSession(id, channelID, trigger, originator, pick, flavor, now, e.cfg.ClaimWindow())
	s.stake = stake
	e.session = s
	e.scheduler.MarkDrop(now)

	s.claimTimer = time.AfterFunc(e.cfg.ClaimWindow(), func() {
		e.post(func() { e.onClaimTimeout(id) })
	})
	go e.announce(id, channelID, announcementText(e.cfg, s, originatorName))

	metrics.DropsSpawned.WithLabelValues(string(trigger)).Inc()
	metrics.SessionActive.Set(1)
	logger.Info("Drop armed",
		zap.String("session_id", id),
		zap.String("channel_id", channelID),
		zap.String("trigger", string(trigger)),
		zap.String("token", s.DisplayToken))
	e.emit("armed", s, originator, originatorName)
	return s, nil
}

func (e *Engine) announce(sessionID, channelID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	h, err := e.messenger.PostMessage(ctx, channelID, text)
	if err != nil {
		logger.Warn("Failed to post drop announcement", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !e.post(func() { e.onAnnounced(sessionID, h) }) {
		e.deleteMessage(h)
	}
}

// onAnnounced keeps the handle while the session is still armed; otherwise
// the announcement is already stale and is removed right away.
func (e *Engine) onAnnounced(sessionID string, h MessageHandle) {
	s := e.session
	if s != nil && s.ID == sessionID && s.State == StateArmed {
		s.announcement = &h
		return
	}
	go e.deleteMessage(h)
}

func (e *Engine) onWinner(s *Session, ev Event, now time.Time) {
	s.claimTimer.Stop()
	s.State = StateClosing
	s.Winner = ev.AuthorID
	s.credited[ev.AuthorID] = struct{}{}
	s.BonusDeadline = now.Add(e.cfg.BonusWindow())

	at := eventTime(ev)
	if s.stake != nil {
		// 置きコインはStakeのトランザクション内で移動する
		s.stake <- stakeClaim{
			claim:   &ledger.Claim{UserID: ev.AuthorID, At: at},
			release: e.store.Track(),
		}
		s.stake = nil
	} else {
		e.credit(s.ChannelID, ev.AuthorID, at)
	}

	metrics.Claims.WithLabelValues("winner").Inc()
	logger.Info("Drop claimed",
		zap.String("session_id", s.ID),
		zap.String("user_id", ev.AuthorID),
		zap.Duration("elapsed", now.Sub(s.SpawnedAt)))

	go e.postMessage(s.ChannelID, winnerText(e.cfg, displayName(ev)))
	if h := s.announcement; h != nil {
		time.AfterFunc(e.ackDelay, func() { e.deleteMessage(*h) })
		s.announcement = nil
	}
	e.emit("claimed", s, ev.AuthorID, displayName(ev))

	if s.Trigger == TriggerPlaced {
		// 置きコインは1枚だけなのでボーナスは無し
		s.State = StateResolved
		e.finish(s, "claimed")
		return
	}

	id := s.ID
	s.bonusTimer = time.AfterFunc(e.cfg.BonusWindow(), func() {
		e.post(func() { e.onBonusTimeout(id) })
	})
}

func (e *Engine) onBonus(s *Session, ev Event) {
	s.Bonus[ev.AuthorID] = struct{}{}
	s.credited[ev.AuthorID] = struct{}{}
	e.credit(s.ChannelID, ev.AuthorID, eventTime(ev))

	metrics.Claims.WithLabelValues("bonus").Inc()
	logger.Info("Bonus claim",
		zap.String("session_id", s.ID),
		zap.String("user_id", ev.AuthorID),
		zap.Int("bonus_count", len(s.Bonus)))

	if ev.MessageID != "" {
		go e.deleteMessage(MessageHandle{ChannelID: ev.ChannelID, MessageID: ev.MessageID})
	}
	e.emit("bonus", s, ev.AuthorID, displayName(ev))
}

func (e *Engine) onBonusTimeout(sessionID string) {
	s := e.session
	if s == nil || s.ID != sessionID || s.State != StateClosing {
		return
	}
	go e.postMessage(s.ChannelID, summaryText(e.cfg, s))
	s.State = StateResolved
	e.finish(s, "claimed")
}

func (e *Engine) onClaimTimeout(sessionID string) {
	s := e.session
	if s == nil || s.ID != sessionID || s.State != StateArmed {
		return
	}
	s.State = StateExpired
	if s.stake != nil {
		s.stake <- stakeClaim{}
		s.stake = nil
	}
	if h := s.announcement; h != nil {
		go e.deleteMessage(*h)
		s.announcement = nil
	}
	logger.Info("Drop expired", zap.String("session_id", s.ID))
	e.emit("expired", s, "", "")

	s.State = StateResolved
	e.finish(s, "expired")
}

// finish discards the session and releases the lock.
func (e *Engine) finish(s *Session, outcome string) {
	s.stopTimers()
	e.session = nil

	metrics.SessionActive.Set(0)
	metrics.DropsFinished.WithLabelValues(outcome).Inc()
	if outcome == "claimed" {
		e.emit("resolved", s, s.Winner, "")
	}
	e.lock.Release()
}

func (e *Engine) credit(channelID, userID string, at time.Time) {
	e.store.CreditAsync(userID, at, func(balance int64) {
		if e.notifier == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		e.notifier.OnCredit(ctx, channelID, userID, balance)
	})
}

func (e *Engine) postMessage(channelID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if _, err := e.messenger.PostMessage(ctx, channelID, text); err != nil {
		logger.Warn("Failed to post message", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (e *Engine) deleteMessage(h MessageHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if err := e.messenger.DeleteMessage(ctx, h); err != nil {
		logger.Debug("Failed to delete message",
			zap.String("channel_id", h.ChannelID),
			zap.String("message_id", h.MessageID),
			zap.Error(err))
	}
}

func eventTime(ev Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}
