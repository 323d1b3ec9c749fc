package gateway

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

var (
	supportedLocales = []language.Tag{language.English, language.BrazilianPortuguese}
	localeMatcher    = language.NewMatcher(supportedLocales)
)

// MatchLocale picks the supported locale closest to an Accept-Language
// header value, defaulting to English.
func MatchLocale(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, index, _ := localeMatcher.Match(tags...)
	return supportedLocales[index]
}

func localizedJoinWelcome(locale language.Tag, participantName, roomName string) string {
	participantName = strings.TrimSpace(participantName)
	if participantName == "" {
		participantName = "participant"
	}
	roomName = strings.TrimSpace(roomName)

	switch locale {
	case language.BrazilianPortuguese:
		if roomName == "" {
			return fmt.Sprintf("Bem-vindo %s. Você entrou na sala.", participantName)
		}
		return fmt.Sprintf("Bem-vindo %s. Você entrou na sala %s.", participantName, roomName)
	default:
		if roomName == "" {
			return fmt.Sprintf("Welcome %s. You've joined the room.", participantName)
		}
		return fmt.Sprintf("Welcome %s. You've joined room %s.", participantName, roomName)
	}
}
