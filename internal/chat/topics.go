package chat

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "because": true, "been": true,
	"before": true, "being": true, "could": true, "does": true, "doing": true, "from": true,
	"have": true, "having": true, "here": true, "into": true, "just": true, "like": true,
	"more": true, "most": true, "much": true, "only": true, "other": true, "really": true,
	"should": true, "some": true, "than": true, "that": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true, "those": true,
	"very": true, "what": true, "when": true, "where": true, "which": true, "while": true,
	"will": true, "with": true, "would": true, "your": true, "yours": true, "think": true,
	"know": true, "said": true, "were": true, "want": true, "make": true, "going": true, "thing": true,
}

// Topics extracts up to max keyword topics from text, most frequent first.
// Ties keep first-appearance order.
func Topics(text string, max int) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	counts := make(map[string]int)
	var order []string
	for _, w := range words {
		w = strings.Trim(w, "-")
		if len([]rune(w)) < 4 || stopwords[w] {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if max > 0 && len(order) > max {
		order = order[:max]
	}
	return order
}

// Tone is a coarse classification of how a message treats its addressee.
type Tone int

const (
	ToneNeutral Tone = iota
	TonePositive
	ToneNegative
	ToneAggressive
)

// ClassifyTone is a cheap heuristic (caps ratio, punctuation, keywords).
func ClassifyTone(content string) Tone {
	content = strings.TrimSpace(content)
	if content == "" {
		return ToneNeutral
	}
	upper, letters := 0, 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 8 && upper*100/letters > 70 {
		return ToneAggressive
	}
	lower := strings.ToLower(content)
	for _, w := range []string{"idiot", "stupid", "shut up", "hate you", "dumb"} {
		if strings.Contains(lower, w) {
			return ToneNegative
		}
	}
	for _, w := range []string{"thank", "please", "love", "awesome", "great job", "🙏", "❤"} {
		if strings.Contains(lower, w) {
			return TonePositive
		}
	}
	return ToneNeutral
}
