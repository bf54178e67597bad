package mind

import (
	"github.com/keshon/chorus/internal/ai"
	"github.com/keshon/chorus/internal/assembler"
	"github.com/keshon/chorus/internal/logging"
	"github.com/rs/zerolog"
)

// logLLMCall logs the assembled prompt right before it goes to the generator.
// Previews only show at debug level.
func logLLMCall(log zerolog.Logger, action string, messages []ai.Message, rep assembler.Report) {
	log.Info().
		Str("action", action).
		Int("messages", len(messages)).
		Int("tokens", rep.Tokens).
		Int("budget", rep.Budget).
		Int("history_kept", rep.HistoryKept).
		Int("history_dropped", rep.HistoryDropped).
		Int("knowledge_dropped", rep.KnowledgeDropped).
		Msg("llm call")
	if len(messages) == 0 || log.GetLevel() > zerolog.DebugLevel || zerolog.GlobalLevel() > zerolog.DebugLevel {
		return
	}
	log.Debug().Int("system_len", len(messages[0].Content)).
		Str("system_preview", logging.Truncate(messages[0].Content, 500)).Msg("prompt")
	for i := 1; i < len(messages); i++ {
		m := messages[i]
		log.Debug().Int("i", i).Str("role", m.Role).Int("len", len(m.Content)).
			Str("preview", logging.Truncate(m.Content, 200)).Msg("prompt message")
	}
}
