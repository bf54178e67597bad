package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/chorus/internal/logging"
	"github.com/rs/zerolog"
)

var routeOnce sync.Once

// routeLibraryLogs sends discordgo's own log lines through zerolog.
func routeLibraryLogs() {
	routeOnce.Do(func() {
		log := logging.Component("discordgo")
		discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
			log.WithLevel(libraryLevel(msgL)).Msg(fmt.Sprintf(format, a...))
		}
	})
}

func libraryLevel(msgL int) zerolog.Level {
	switch msgL {
	case discordgo.LogError:
		return zerolog.ErrorLevel
	case discordgo.LogWarning:
		return zerolog.WarnLevel
	case discordgo.LogInformational:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
