package ai

import (
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// maxReplyLen keeps replies well inside one chat message.
const maxReplyLen = 1900

func isGarbageResponse(s string) bool {
	l := strings.ToLower(s)
	if strings.Contains(l, "<html") || strings.Contains(l, "not allowed") {
		return true
	}
	return strings.TrimSpace(s) == ""
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}

// cleanReply strips reasoning blocks and wrapping quotes.
func cleanReply(reply string) string {
	reply = strings.TrimSpace(thinkBlock.ReplaceAllString(reply, ""))

	if len(reply) >= 2 {
		quotes := []struct{ open, close string }{
			{`"`, `"`}, {`'`, `'`}, {"“", "”"}, {"‘", "’"},
		}
		for _, q := range quotes {
			if strings.HasPrefix(reply, q.open) && strings.HasSuffix(reply, q.close) {
				reply = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(reply, q.open), q.close))
				break
			}
		}
	}

	if len(reply) > maxReplyLen {
		end := maxReplyLen
		if cut := strings.LastIndexAny(reply[:maxReplyLen], ".!?\n"); cut >= maxReplyLen/2 {
			end = cut + 1
		}
		reply = strings.TrimSpace(strings.ToValidUTF8(reply[:end], ""))
	}
	return reply
}

// finish turns a raw reply into the final text or ErrEmptyReply.
func finish(raw string) (string, error) {
	reply := cleanReply(raw)
	if isGarbageResponse(reply) {
		return "", ErrEmptyReply
	}
	return reply, nil
}
