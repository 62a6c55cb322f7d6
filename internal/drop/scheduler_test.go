package drop

import (
	"math"
	"testing"
	"time"

	"github.com/ichi0g0y/twitch-coindrop/internal/settings"
)

func TestSpawnProbability(t *testing.T) {
	tests := []struct {
		name     string
		t        time.Duration
		recovery time.Duration
		chance   float64
		expect   float64
	}{
		{name: "before cooldown end", t: -time.Second, recovery: 10 * time.Second, chance: 0.1, expect: 0},
		{name: "at cooldown end", t: 0, recovery: 10 * time.Second, chance: 0.1, expect: 0},
		{name: "half recovered", t: 5 * time.Second, recovery: 10 * time.Second, chance: 0.1, expect: 0.0125},
		{name: "fully recovered", t: 10 * time.Second, recovery: 10 * time.Second, chance: 0.1, expect: 0.1},
		{name: "past recovery is clamped", t: time.Minute, recovery: 10 * time.Second, chance: 0.1, expect: 0.1},
		{name: "zero recovery at cooldown end", t: 0, recovery: 0, chance: 0.5, expect: 0.5},
		{name: "zero recovery before cooldown end", t: -time.Millisecond, recovery: 0, chance: 0.5, expect: 0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := SpawnProbability(tc.t, tc.recovery, tc.chance)
			if math.Abs(got-tc.expect) > 1e-9 {
				t.Fatalf("SpawnProbability() = %v, want %v", got, tc.expect)
			}
		})
	}
}

func TestSpawnProbabilityIsMonotonic(t *testing.T) {
	prev := 0.0
	for ms := 0; ms <= 12000; ms += 250 {
		p := SpawnProbability(time.Duration(ms)*time.Millisecond, 10*time.Second, 0.3)
		if p < prev {
			t.Fatalf("probability decreased at %dms: %v < %v", ms, p, prev)
		}
		if p < 0 || p > 0.3 {
			t.Fatalf("probability out of range at %dms: %v", ms, p)
		}
		prev = p
	}
}

func schedulerConfig(t *testing.T) *settings.EngineConfig {
	t.Helper()
	cfg := settings.Defaults
	cfg.DropChannels = []string{"100"}
	cfg.DropChance = 1
	cfg.CooldownTime = 0
	cfg.RecoveryTime = 0
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	return &cfg
}

func TestSchedulerAlwaysSpawnsAtFullChance(t *testing.T) {
	cfg := schedulerConfig(t)
	now := time.Now()
	s := NewScheduler(cfg, now)

	ev := Event{AuthorID: "1", ChannelID: "100", Content: "hello"}
	for i := 0; i < 1000; i++ {
		if !s.ShouldSpawn(ev, now.Add(time.Duration(i)*time.Millisecond), false) {
			t.Fatalf("ShouldSpawn() = false on roll %d", i)
		}
	}
}

func TestSchedulerVetoes(t *testing.T) {
	cfg := schedulerConfig(t)
	now := time.Now()

	tests := []struct {
		name     string
		ev       Event
		locked   bool
		disabled bool
	}{
		{name: "lock held", ev: Event{ChannelID: "100", Content: "hello"}, locked: true},
		{name: "command", ev: Event{ChannelID: "100", Content: ".check"}},
		{name: "command with leading space", ev: Event{ChannelID: "100", Content: "  .check"}},
		{name: "other channel", ev: Event{ChannelID: "200", Content: "hello"}},
		{name: "drops disabled", ev: Event{ChannelID: "100", Content: "hello"}, disabled: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := NewScheduler(cfg, now)
			s.SetEnabled(!tc.disabled)
			if s.ShouldSpawn(tc.ev, now.Add(time.Second), tc.locked) {
				t.Fatalf("ShouldSpawn() = true, want false")
			}
		})
	}
}

func TestSchedulerCooldown(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.CooldownTime = 20
	cfg.RecoveryTime = 10
	cfg.DropChance = 0.1

	start := time.Now()
	s := NewScheduler(cfg, start)
	s.MarkDrop(start)

	if p := s.Probability(start.Add(19 * time.Second)); p != 0 {
		t.Fatalf("Probability() during cooldown = %v, want 0", p)
	}
	if p := s.Probability(start.Add(25 * time.Second)); math.Abs(p-0.0125) > 1e-9 {
		t.Fatalf("Probability() half recovered = %v, want 0.0125", p)
	}
	if p := s.Probability(start.Add(31 * time.Second)); math.Abs(p-0.1) > 1e-9 {
		t.Fatalf("Probability() recovered = %v, want 0.1", p)
	}
}

func TestSchedulerRollUsesRandomSource(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.DropChance = 0.5

	orig := randFloat
	t.Cleanup(func() { randFloat = orig })

	now := time.Now()
	s := NewScheduler(cfg, now)
	ev := Event{ChannelID: "100", Content: "hello"}

	randFloat = func() float64 { return 0.49 }
	if !s.ShouldSpawn(ev, now.Add(time.Second), false) {
		t.Fatalf("ShouldSpawn() with roll below p = false, want true")
	}
	randFloat = func() float64 { return 0.5 }
	if s.ShouldSpawn(ev, now.Add(time.Second), false) {
		t.Fatalf("ShouldSpawn() with roll equal to p = true, want false")
	}
}
