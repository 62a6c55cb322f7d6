package drop

import "time"

// Verdict is the claim resolver's decision for one event.
type Verdict int

const (
	// NoMatch: the event is not a claim on the active session.
	NoMatch Verdict = iota
	// Ignored: a structurally matching claim that must not be credited
	// (self-claim on a placed drop, repeat author, window already closed).
	Ignored
	// Winner: first valid claim, moves the session to CLOSING.
	Winner
	// Bonus: a new author inside the bonus window.
	Bonus
)

// Resolve evaluates ev against s at now. It does not mutate s.
func Resolve(s *Session, ev Event, now time.Time) Verdict {
	if s == nil || !s.Active() {
		return NoMatch
	}
	if ev.ChannelID != s.ChannelID || !s.Accepts(ev.Content) {
		return NoMatch
	}
	if s.Originator != "" && ev.AuthorID == s.Originator {
		return Ignored
	}
	if _, done := s.credited[ev.AuthorID]; done {
		return Ignored
	}

	switch s.State {
	case StateArmed:
		if !now.Before(s.ClaimDeadline) {
			return Ignored
		}
		return Winner
	case StateClosing:
		if !now.Before(s.BonusDeadline) {
			return Ignored
		}
		return Bonus
	}
	return NoMatch
}
