package mind

import (
	"fmt"

	"github.com/keshon/chorus/internal/chat"
	"github.com/keshon/chorus/internal/trigger"
)

// directive tells the persona why it is speaking. Every reason that can
// produce a reply has a case here.
func directive(reason trigger.Reason, trig *chat.Message, ev *chat.Event) string {
	who := "Someone"
	if trig != nil && trig.AuthorName != "" {
		who = trig.AuthorName
	}
	switch reason {
	case trigger.ReasonMention:
		return fmt.Sprintf("%s addressed you directly. Answer them.", who)
	case trigger.ReasonReplyToBot:
		return fmt.Sprintf("%s replied to something said here. Continue that exchange.", who)
	case trigger.ReasonNameTrigger:
		return fmt.Sprintf("%s mentioned you by name. Respond naturally.", who)
	case trigger.ReasonImageQuestion:
		return fmt.Sprintf("%s is asking about an image. Work from what the conversation says about it, "+
			"and admit it if you cannot tell.", who)
	case trigger.ReasonAutonomousInterest:
		return "Nobody asked you, but the topic caught your interest. Join in briefly and naturally."
	case trigger.ReasonConversationContinuation:
		if trig != nil && trig.AuthorPersonaID != "" {
			return fmt.Sprintf("%s just spoke. Answer them in character, briefly.", who)
		}
		return fmt.Sprintf("Keep the conversation with %s going.", who)
	case trigger.ReasonAmbient:
		return "The channel has been quiet for a while. Say one short unprompted thing that fits your character. " +
			"Do not greet anyone by name and do not ask whether anyone is there."
	case trigger.ReasonEnvironment:
		if ev == nil {
			return "Something happened in the channel. Remark on it briefly."
		}
		name := ev.UserName
		if name == "" {
			name = "Someone"
		}
		switch ev.Kind {
		case chat.EventMemberJoined:
			return fmt.Sprintf("%s just joined. Welcome them in character, in one or two sentences.", name)
		case chat.EventMemberLeft:
			return fmt.Sprintf("%s just left. Remark on it briefly, in character.", name)
		default:
			return "Something happened in the channel. Remark on it briefly."
		}
	case trigger.ReasonNone:
		return ""
	default:
		return ""
	}
}

// apology is the single line sent when an explicit request cannot be served.
const apology = "Sorry, my thoughts are elsewhere right now. Ask me again in a moment."
