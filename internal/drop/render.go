package drop

import (
	"fmt"
	"strings"

	"github.com/ichi0g0y/twitch-coindrop/internal/settings"
)

const tokenPlaceholder = "{token}"

func announcementText(cfg *settings.EngineConfig, s *Session, originatorName string) string {
	if s.Trigger == TriggerPlaced {
		return fmt.Sprintf("%s dropped a %s! Type %s to pick it up!",
			originatorName, cfg.Currency.Singular, s.DisplayToken)
	}
	if strings.Contains(s.Flavor, tokenPlaceholder) {
		return strings.ReplaceAll(s.Flavor, tokenPlaceholder, s.DisplayToken)
	}
	return fmt.Sprintf("%s (%s)", s.Flavor, s.DisplayToken)
}

func winnerText(cfg *settings.EngineConfig, name string) string {
	return fmt.Sprintf("@%s That's the one! Have a %s!", name, cfg.Currency.Singular)
}

func summaryText(cfg *settings.EngineConfig, s *Session) string {
	return fmt.Sprintf("(The correct answer was %s, %d user(s) were fast enough to get a bonus %s)",
		s.DisplayToken, len(s.Bonus), cfg.Currency.Singular)
}

func displayName(ev Event) string {
	if ev.AuthorName != "" {
		return ev.AuthorName
	}
	return ev.AuthorID
}
