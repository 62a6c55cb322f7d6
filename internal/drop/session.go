package drop

import (
	"strings"
	"time"
)

// State is the lifecycle state of a drop session.
type State int

const (
	StateArmed State = iota
	StateClosing
	StateExpired
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateClosing:
		return "closing"
	case StateExpired:
		return "expired"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Trigger says how a session was started.
type Trigger string

const (
	TriggerNatural Trigger = "natural"
	TriggerForced  Trigger = "forced"
	TriggerPlaced  Trigger = "placed"
)

// Event is one inbound chat message.
type Event struct {
	AuthorID   string
	AuthorName string
	ChannelID  string
	MessageID  string
	Content    string
	Timestamp  time.Time
}

// MessageHandle identifies a posted chat message so it can be deleted.
type MessageHandle struct {
	ChannelID string
	MessageID string
}

// Session is one drop. It lives only in memory and only inside the engine
// loop; it is discarded when it reaches a terminal state.
type Session struct {
	ID        string
	ChannelID string
	Trigger   Trigger
	// Originator is set for player-placed drops; the originator cannot claim.
	Originator string

	DisplayToken string
	Flavor       string
	tokens       map[string]struct{}

	State         State
	SpawnedAt     time.Time
	ClaimDeadline time.Time
	BonusDeadline time.Time
	Winner        string
	Bonus         map[string]struct{}
	credited      map[string]struct{}

	announcement *MessageHandle
	claimTimer   *time.Timer
	bonusTimer   *time.Timer
	stake        chan<- stakeClaim
}

// newSession builds an armed session. pick is a "|" separated alias list;
// the first alias is shown in chat.
func newSession(id, channelID string, trigger Trigger, originator, pick, flavor string, now time.Time, claimWindow time.Duration) *Session {
	s := &Session{
		ID:            id,
		ChannelID:     channelID,
		Trigger:       trigger,
		Originator:    originator,
		Flavor:        flavor,
		tokens:        make(map[string]struct{}),
		State:         StateArmed,
		SpawnedAt:     now,
		ClaimDeadline: now.Add(claimWindow),
		Bonus:         make(map[string]struct{}),
		credited:      make(map[string]struct{}),
	}
	for _, alias := range strings.Split(pick, "|") {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if s.DisplayToken == "" {
			s.DisplayToken = alias
		}
		s.tokens[normalize(alias)] = struct{}{}
	}
	return s
}

// Active reports whether the session still accepts claims.
func (s *Session) Active() bool {
	return s.State == StateArmed || s.State == StateClosing
}

// Accepts reports whether content is one of the session's tokens.
func (s *Session) Accepts(content string) bool {
	_, ok := s.tokens[normalize(content)]
	return ok
}

func (s *Session) stopTimers() {
	if s.claimTimer != nil {
		s.claimTimer.Stop()
	}
	if s.bonusTimer != nil {
		s.bonusTimer.Stop()
	}
}

func normalize(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}
