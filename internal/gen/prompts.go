package gen

import (
	"fmt"
	"strings"

	"matchbot/internal/storage"
)

// historyMaxTurns bounds injected history to keep token usage flat on long
// conversations. TODO: summarize older turns instead of dropping them.
const historyMaxTurns = 20

const conversationInstructions = `You are a warm, concise matchmaking assistant chatting with a user on Telegram.
Interview the user about what they are looking for and what they offer.
Always answer with a single JSON object:
{"utterance": "<your reply>", "profile": null}
Once you know enough, include the profile instead of null:
{"utterance": "...", "profile": {"summary": "<third-person profile summary>", "is_seeker": true|false, "is_provider": true|false}}
Return JSON only, no surrounding text.`

const rationaleInstructions = `You write short, warm introductions for two people who were matched by profile similarity.
Given both profiles, explain in 2-3 sentences why they could be a great fit.
Address no one directly; write in neutral third person. Return plain text.`

// formatHistory renders stored turns for instruction injection, used when no
// provider-side session exists.
func formatHistory(history []storage.Turn) string {
	if len(history) == 0 {
		return ""
	}
	truncated := history
	var notice string
	if len(history) > historyMaxTurns {
		truncated = history[len(history)-historyMaxTurns:]
		notice = fmt.Sprintf("[Earlier messages truncated - showing last %d of %d]\n\n", historyMaxTurns, len(history))
	}

	var b strings.Builder
	b.WriteString("Previous conversation history:\n")
	b.WriteString(notice)
	for i, t := range truncated {
		if i > 0 {
			b.WriteString("\n")
		}
		label := "User"
		if t.Role == "assistant" {
			label = "Assistant"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

func rationalePrompt(a, b *storage.User) string {
	return fmt.Sprintf("Profile A:\n%s\n\nProfile B:\n%s", a.Summary, b.Summary)
}

func profileCard(summary string, isSeeker, isProvider bool) string {
	var roles []string
	if isSeeker {
		roles = append(roles, "seeker")
	}
	if isProvider {
		roles = append(roles, "provider")
	}
	return fmt.Sprintf("Your profile\nRole: %s\n\n%s", strings.Join(roles, " & "), summary)
}
