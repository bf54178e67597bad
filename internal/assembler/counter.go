package assembler

import (
	"math"
	"strings"
	"unicode"
)

// messageOverhead is what chat formats spend per message on role markers.
const messageOverhead = 4

// Counter estimates tokens for a model family.
type Counter interface {
	Count(text string) int
}

// CharCounter estimates tokens from character counts. Wide scripts (CJK,
// kana, hangul) cost a token per rune; everything else CharsPerToken.
type CharCounter struct {
	CharsPerToken float64
}

func (c CharCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	per := c.CharsPerToken
	if per <= 0 {
		per = 3
	}
	narrow, wide := 0, 0
	for _, r := range text {
		if isWide(r) {
			wide++
		} else {
			narrow++
		}
	}
	return wide + int(math.Ceil(float64(narrow)/per))
}

func isWide(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// CounterFor picks the ratio for model. Unknown models get a conservative
// estimate so budgets are never overshot.
func CounterFor(model string) Counter {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return CharCounter{CharsPerToken: 4}
	case strings.HasPrefix(m, "gemini"):
		return CharCounter{CharsPerToken: 4}
	case strings.HasPrefix(m, "claude"):
		return CharCounter{CharsPerToken: 3.5}
	case strings.Contains(m, "llama"), strings.Contains(m, "mistral"), strings.Contains(m, "qwen"):
		return CharCounter{CharsPerToken: 3.2}
	default:
		return CharCounter{CharsPerToken: 3}
	}
}
