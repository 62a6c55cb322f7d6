package drop

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/settings"
)

var randFloat = rand.Float64

// SpawnProbability is the chance that one qualifying message spawns a drop,
// t after the cooldown ended. The weight ramps as a cubic from 0 to 1 over
// the recovery time; a zero recovery time jumps straight to full weight.
func SpawnProbability(t, recovery time.Duration, chance float64) float64 {
	if t < 0 {
		return 0
	}
	x := 1.0
	if recovery > 0 {
		x = math.Min(float64(t)/float64(recovery), 1)
	}
	return x * x * x * chance
}

// Scheduler decides whether an inbound message spawns a natural drop. It is
// only touched from the engine loop, except for the disabled flag.
type Scheduler struct {
	cfg       *settings.EngineConfig
	lastDrop  time.Time
	waitUntil time.Time
	disabled  atomic.Bool
}

func NewScheduler(cfg *settings.EngineConfig, start time.Time) *Scheduler {
	return &Scheduler{cfg: cfg, lastDrop: start, waitUntil: start}
}

// SetEnabled turns natural drops on or off.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.disabled.Store(!enabled)
}

func (s *Scheduler) Enabled() bool {
	return !s.disabled.Load()
}

// MarkDrop records a drop at now and starts the cooldown.
func (s *Scheduler) MarkDrop(now time.Time) {
	s.lastDrop = now
	s.waitUntil = now.Add(s.cfg.Cooldown())
}

// Probability is the current spawn chance.
func (s *Scheduler) Probability(now time.Time) float64 {
	return SpawnProbability(now.Sub(s.waitUntil), s.cfg.Recovery(), s.cfg.DropChance)
}

// ShouldSpawn rolls for a natural drop. locked is a hard veto.
func (s *Scheduler) ShouldSpawn(ev Event, now time.Time, locked bool) bool {
	if locked || s.disabled.Load() {
		return false
	}
	if strings.HasPrefix(strings.TrimSpace(ev.Content), s.cfg.CommandPrefix) {
		return false
	}
	if !s.cfg.IsDropChannel(ev.ChannelID) {
		return false
	}
	return randFloat() < s.Probability(now)
}
