package relationship

import (
	"fmt"
	"strings"
)

// memoriesInContext is how many shared memories reach the prompt.
const memoriesInContext = 3

// ContextFor renders what self knows about its relationship with other as
// plain sentences: stage and recent shared memories. Raw numbers never
// appear. Empty when there is nothing worth saying.
func (l *Ledger) ContextFor(self, other, otherName string) string {
	rec, ok := l.Get(self, other)
	if !ok {
		return ""
	}
	if otherName == "" {
		otherName = other
	}

	var lines []string
	if rec.InteractionCount > 0 {
		lines = append(lines, fmt.Sprintf("You and %s are %s.", otherName, stagePhrase(rec.Stage())))
	}
	if n := len(rec.SharedMemories); n > 0 {
		start := n - memoriesInContext
		if start < 0 {
			start = 0
		}
		var mem []string
		for _, m := range rec.SharedMemories[start:] {
			mem = append(mem, m.Text)
		}
		lines = append(lines, fmt.Sprintf("Things you remember with %s: %s.", otherName, strings.Join(mem, "; ")))
	}
	return strings.Join(lines, "\n")
}

// ConflictLine is the prompt modifier for an active conflict between self
// and other, or "" when they are at peace.
func (l *Ledger) ConflictLine(self, other, otherName string) string {
	mod := l.GetConflictModifier(self, other)
	if mod.PromptModifier == "" {
		return ""
	}
	if otherName == "" {
		otherName = other
	}
	line := fmt.Sprintf("You are currently %s with %s", mod.PromptModifier, otherName)
	if mod.Topic != "" {
		line += " about " + mod.Topic
	}
	return line + "."
}

func stagePhrase(s Stage) string {
	switch s {
	case StageStranger:
		return "practically strangers"
	case StageAcquaintance:
		return "acquaintances"
	case StageFriend:
		return "friends"
	case StageCloseFriend:
		return "close friends"
	default:
		return "confidants who trust each other deeply"
	}
}
